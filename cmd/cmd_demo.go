package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

const (
	demoImage  = "mongo:7"
	demoDBName = "mongoqb_demo"
)

var (
	demoPersist bool // --persist: Use a Docker volume for data persistence
	demoSeed    int  // --seed: number of users inserted into the demo database
)

// DemoConnInfo describes where the demo server listens
type DemoConnInfo struct {
	Host    string
	Port    int
	DBName  string
	ConnStr string
}

func demoCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "demo",
		Short: "Start a throwaway mongodb in docker and seed it with users",
		Long: `Start a mongodb container, point the config at it and insert generated
users into the users collection. The container is removed on Ctrl+C unless
--persist is set.`,
		Args: cobra.NoArgs,
		RunE: cmdDemo,
	}
	c.Flags().BoolVar(&demoPersist, "persist", false, "keep data in a docker volume")
	c.Flags().IntVar(&demoSeed, "seed", 50, "number of users to insert")
	return c
}

func cmdDemo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if useMock {
		return fmt.Errorf("demo cannot run with --mock")
	}
	if err := setup(cpath); err != nil {
		return err
	}

	terminate, info, err := startMongoDBDemo(ctx, demoPersist)
	if err != nil {
		return err
	}
	defer func() {
		// the signal context is already done here
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := terminate(ctx); err != nil {
			log.Warnf("failed to stop mongodb container: %s", err)
		}
	}()

	applyContainerConfig(info)

	if err := initService(ctx); err != nil {
		return err
	}

	if demoSeed > 0 {
		n, err := seedCollection(ctx, "users", fakeUsers(gofakeit.New(0), demoSeed), true)
		if err != nil {
			return err
		}
		log.Infof("Inserted %d users into %s.users", n, info.DBName)
	}

	fmt.Fprintln(cmd.OutOrStdout(), info.ConnStr)
	log.Infof("Demo is ready, press Ctrl+C to stop")

	<-ctx.Done()
	return nil
}

// startMongoDBDemo starts a MongoDB container
func startMongoDBDemo(ctx context.Context, persist bool) (func(context.Context) error, *DemoConnInfo, error) {
	opts := []testcontainers.ContainerCustomizer{}

	if persist {
		opts = append(opts, withVolumeMounts(testcontainers.ContainerMounts{
			{
				Source: testcontainers.DockerVolumeMountSource{Name: "mongoqb-demo-mongodb"},
				Target: "/data/db",
			},
		}))
	}

	container, err := mongodb.Run(ctx, demoImage, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start mongodb container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, nil, err
	}

	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, nil, err
	}

	log.Infof("MongoDB running on %s:%s", host, port.Port())

	terminate := func(ctx context.Context) error {
		return container.Terminate(ctx)
	}

	return terminate, &DemoConnInfo{
		Host:    host,
		Port:    port.Int(),
		DBName:  demoDBName,
		ConnStr: connStr,
	}, nil
}

func withVolumeMounts(mounts testcontainers.ContainerMounts) testcontainers.CustomizeRequestOption {
	return func(req *testcontainers.GenericContainerRequest) error {
		req.Mounts = append(req.Mounts, mounts...)
		return nil
	}
}

// applyContainerConfig points the configuration at the demo container
func applyContainerConfig(info *DemoConnInfo) {
	conf.Host = info.Host
	conf.Port = info.Port
	conf.DB = info.DBName
	conf.User = ""
	conf.Password = ""
}
