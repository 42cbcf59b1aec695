package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dosco/mongoqb/core"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"
)

type sortKey struct {
	field string
	dir   core.Direction
}

func getCmd() *cobra.Command {
	var where string
	var fields, sorts []string
	var limit, offset int64

	c := &cobra.Command{
		Use:   "get <collection>",
		Short: "Print the documents matching a filter",
		Long: `Print the documents of a collection, one relaxed extended JSON
document per line.

  mongoqb get users --where '{"age": {"$gte": 30}}' --select name,age --sort age:desc --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseDoc(where)
			if err != nil {
				return err
			}
			keys, err := parseSort(sorts)
			if err != nil {
				return err
			}
			if err := initService(cmd.Context()); err != nil {
				return err
			}

			b := svc.Builder().
				Where(filter).
				Select(fields...).
				Limit(limit, offset)

			for _, k := range keys {
				b.OrderBy(k.field, k.dir)
			}

			docs, err := b.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeDocs(cmd.OutOrStdout(), docs)
		},
	}

	c.Flags().StringVarP(&where, "where", "w", "", "filter as a json document")
	c.Flags().StringSliceVarP(&fields, "select", "s", nil, "fields to return")
	c.Flags().StringSliceVar(&sorts, "sort", nil, "sort keys as field or field:desc")
	c.Flags().Int64VarP(&limit, "limit", "l", 0, "maximum number of documents")
	c.Flags().Int64Var(&offset, "offset", 0, "number of documents to skip")
	return c
}

func countCmd() *cobra.Command {
	var where string

	c := &cobra.Command{
		Use:   "count <collection>...",
		Short: "Count the documents matching a filter in one or more collections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseDoc(where)
			if err != nil {
				return err
			}
			if err := initService(cmd.Context()); err != nil {
				return err
			}
			return runCount(cmd.Context(), cmd.OutOrStdout(), args, filter)
		},
	}

	c.Flags().StringVarP(&where, "where", "w", "", "filter as a json document")
	return c
}

// runCount counts every collection concurrently, each on its own builder
func runCount(ctx context.Context, w io.Writer, colls []string, filter core.Document) error {
	counts := make([]int64, len(colls))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range colls {
		i, name := i, name
		g.Go(func() error {
			n, err := svc.Builder().Where(filter).Count(ctx, name)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, name := range colls {
		fmt.Fprintf(w, "%s\t%d\n", name, counts[i])
	}
	return nil
}

func insertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <collection> <document>...",
		Short: "Insert json documents and print their ids",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs := make([]core.Document, 0, len(args)-1)
			for _, a := range args[1:] {
				d, err := parseDoc(a)
				if err != nil {
					return err
				}
				docs = append(docs, d)
			}
			if err := initService(cmd.Context()); err != nil {
				return err
			}

			b := svc.Builder()
			for _, d := range docs {
				res, err := b.Insert(cmd.Context(), args[0], d)
				if err != nil {
					return err
				}
				if err := writeDoc(cmd.OutOrStdout(), bson.D{{Key: "_id", Value: res.InsertedID}}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	var where, set, raw string
	var all bool

	c := &cobra.Command{
		Use:   "update <collection>",
		Short: "Update the documents matching a filter",
		Long: `Set fields on the first document matching --where, or on every
matching document with --all. Use --raw to send an update document with
its own operators instead of --set.

  mongoqb update users --where '{"name": "ann"}' --set '{"age": 26}'
  mongoqb update users --where '{"active": true}' --raw '{"$inc": {"visits": 1}}' --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if set != "" && raw != "" {
				return fmt.Errorf("--set and --raw cannot be used together")
			}
			filter, err := parseDoc(where)
			if err != nil {
				return err
			}
			if err := initService(ctx); err != nil {
				return err
			}

			var res core.UpdateResult

			if raw != "" {
				updates, err := parseDoc(raw)
				if err != nil {
					return err
				}
				client, err := openClient(ctx, args[0])
				if err != nil {
					return err
				}
				defer client.Close(ctx) //nolint:errcheck

				if res, err = client.Update(ctx, filter, updates, core.UpdateOptions{Multiple: all}); err != nil {
					return err
				}
			} else {
				patch, err := parseDoc(set)
				if err != nil {
					return err
				}
				b := svc.Builder().Where(filter)
				if all {
					res, err = b.UpdateAll(ctx, args[0], patch)
				} else {
					res, err = b.Update(ctx, args[0], patch)
				}
				if err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "matched %d, modified %d\n", res.MatchedCount, res.ModifiedCount)
			return nil
		},
	}

	c.Flags().StringVarP(&where, "where", "w", "", "filter as a json document")
	c.Flags().StringVar(&set, "set", "", "fields to set as a json document")
	c.Flags().StringVar(&raw, "raw", "", "update document with operators")
	c.Flags().BoolVar(&all, "all", false, "update every matching document")
	return c
}

func deleteCmd() *cobra.Command {
	var all bool

	c := &cobra.Command{
		Use:   "delete <collection> <filter>",
		Short: "Delete the first document matching a filter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseDoc(args[1])
			if err != nil {
				return err
			}
			if err := initService(cmd.Context()); err != nil {
				return err
			}

			b := svc.Builder()

			var res core.DeleteResult
			if all {
				res, err = b.DeleteAll(cmd.Context(), args[0], filter)
			} else {
				res, err = b.Delete(cmd.Context(), args[0], filter)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", res.DeletedCount)
			return nil
		},
	}

	c.Flags().BoolVar(&all, "all", false, "delete every matching document")
	return c
}

// openClient returns a client on collection of the configured database
func openClient(ctx context.Context, collection string) (*core.Client, error) {
	sc := svc.Config()

	c := svc.Client()
	if err := c.Connect(ctx, sc.Host, sc.Port); err != nil {
		return nil, err
	}
	if err := c.DB(sc.DB); err != nil {
		return nil, err
	}
	if err := c.Collection(collection); err != nil {
		return nil, err
	}
	return c, nil
}

// parseDoc reads a relaxed extended JSON document. An empty string is a nil
// document.
func parseDoc(s string) (core.Document, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var doc core.Document
	if err := bson.UnmarshalExtJSON([]byte(s), false, &doc); err != nil {
		return nil, fmt.Errorf("invalid json document %q: %w", s, err)
	}
	return doc, nil
}

// parseSort reads field or field:direction keys
func parseSort(specs []string) ([]sortKey, error) {
	keys := make([]sortKey, 0, len(specs))
	for _, s := range specs {
		field, dir, ok := strings.Cut(s, ":")
		k := sortKey{field: strings.TrimSpace(field), dir: core.Ascending}
		if ok {
			d, err := core.ParseDirection(dir)
			if err != nil {
				return nil, err
			}
			k.dir = d
		}
		if k.field == "" {
			return nil, fmt.Errorf("empty sort field in %q", s)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func writeDocs(w io.Writer, docs []core.Document) error {
	for _, d := range docs {
		if err := writeDoc(w, orderedDoc(d)); err != nil {
			return err
		}
	}
	return nil
}

func writeDoc(w io.Writer, doc bson.D) error {
	v, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", v)
	return err
}

// orderedDoc sorts the top level keys so output is stable
func orderedDoc(m core.Document) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}
