package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/dosco/mongoqb/core"
	"github.com/dosco/mongoqb/mongodriver"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type collectionLister interface {
	Collections(ctx context.Context, db string) ([]string, error)
}

type describer interface {
	Describe(ctx context.Context, db, collection string, sampleSize int) ([]mongodriver.FieldInfo, error)
}

type versioner interface {
	ServerVersion(ctx context.Context) (string, error)
}

// dbCmd creates the db command
func dbCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "db",
		Short: "Database inspection and seeding commands",
	}

	c.AddCommand(&cobra.Command{
		Use:   "collections",
		Short: "List the collections of the configured database",
		Args:  cobra.NoArgs,
		RunE:  cmdDBCollections,
	})

	describeCmd := &cobra.Command{
		Use:   "describe <collection>",
		Short: "Describe the fields of a collection from its validator and a sample of documents",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDBDescribe,
	}
	describeCmd.Flags().Int("sample", mongodriver.DefaultSampleSize, "number of documents to sample")
	c.AddCommand(describeCmd)

	seedCmd := &cobra.Command{
		Use:   "seed <collection>",
		Short: "Insert generated user documents into a collection",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDBSeed,
	}
	seedCmd.Flags().Int("count", 25, "number of documents to insert")
	seedCmd.Flags().Int64("seed", 0, "random seed, 0 picks one")
	seedCmd.Flags().Bool("unsafe", false, "do not wait for the server to acknowledge writes")
	c.AddCommand(seedCmd)

	c.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of the connected server",
		Args:  cobra.NoArgs,
		RunE:  cmdDBVersion,
	})

	return c
}

func cmdDBCollections(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initService(ctx); err != nil {
		return err
	}

	l, ok := svc.Conn().(collectionLister)
	if !ok {
		return fmt.Errorf("listing collections is not supported by this connection")
	}
	names, err := l.Collections(ctx, svc.Config().DB)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func cmdDBDescribe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sample, _ := cmd.Flags().GetInt("sample")

	if err := initService(ctx); err != nil {
		return err
	}

	d, ok := svc.Conn().(describer)
	if !ok {
		return fmt.Errorf("describe needs a live mongodb server")
	}
	fields, err := d.Describe(ctx, svc.Config().DB, args[0], sample)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tTYPE\tREQUIRED\tARRAY")
	for _, f := range fields {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", f.Name, f.BSONType, f.Required, f.IsArray)
	}
	return w.Flush()
}

func cmdDBVersion(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := initService(ctx); err != nil {
		return err
	}

	v, ok := svc.Conn().(versioner)
	if !ok {
		return fmt.Errorf("server version needs a live mongodb server")
	}
	s, err := v.ServerVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), s)
	return nil
}

func cmdDBSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	count, _ := cmd.Flags().GetInt("count")
	seed, _ := cmd.Flags().GetInt64("seed")
	unsafe, _ := cmd.Flags().GetBool("unsafe")

	if err := initService(ctx); err != nil {
		return err
	}

	n, err := seedCollection(ctx, args[0], fakeUsers(gofakeit.New(seed), count), !unsafe)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "inserted %d documents into %s\n", n, args[0])
	return nil
}

// seedCollection inserts docs through a client on the shared connection
func seedCollection(ctx context.Context, collection string, docs []core.Document, safe bool) (int, error) {
	c, err := openClient(ctx, collection)
	if err != nil {
		return 0, err
	}
	defer c.Close(ctx) //nolint:errcheck

	for i, d := range docs {
		if _, err := c.Insert(ctx, d, safe); err != nil {
			return i, err
		}
	}
	log.Debugf("seeded %d documents into %s", len(docs), collection)
	return len(docs), nil
}

// fakeUsers generates n user documents
func fakeUsers(f *gofakeit.Faker, n int) []core.Document {
	docs := make([]core.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, core.Document{
			"name":       f.Name(),
			"email":      f.Email(),
			"age":        f.Number(18, 80),
			"city":       f.City(),
			"active":     f.Bool(),
			"tags":       bson.A{f.BuzzWord(), f.HackerVerb()},
			"created_at": f.Date(),
		})
	}
	return docs
}
