package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/amanullahtanweer/fluidy-recorder/internal/config"
	"github.com/amanullahtanweer/fluidy-recorder/internal/logging"
	"github.com/amanullahtanweer/fluidy-recorder/internal/store"
	"github.com/spf13/cobra"
)

func openLibrary() (*store.Store, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	return openStore(cfg, logging.Nop())
}

func listFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("limit", "n", 20, "maximum records, 0 for all")
	cmd.Flags().String("order", "desc", "asc or desc by timestamp")
	cmd.Flags().BoolP("json", "j", false, "output as JSON")
}

func queryFrom(cmd *cobra.Command) store.Query {
	limit, _ := cmd.Flags().GetInt("limit")
	order, _ := cmd.Flags().GetString("order")
	return store.Query{Limit: limit, Order: store.Order(order)}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func memosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memos",
		Short: "Inspect saved memos",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved memos",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openLibrary()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			var memos []*store.Memo
			if q, _ := cmd.Flags().GetString("search"); q != "" {
				memos, err = st.Memos().Search(ctx, q)
			} else {
				memos, err = st.Memos().GetAll(ctx, queryFrom(cmd))
			}
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(memos)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWHEN\tDURATION\tTITLE\tTRANSCRIPT")
			for _, m := range memos {
				fmt.Fprintf(w, "%d\t%s\t%.1fs\t%s\t%s\n", m.ID, m.Timestamp.Format("2006-01-02 15:04"), m.Duration, m.Title, truncate(m.Transcript, 60))
			}
			return w.Flush()
		},
	}
	listFlags(list)
	list.Flags().StringP("search", "s", "", "match title or transcript")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of saved memos",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openLibrary()
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := st.Memos().Count(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}

	cmd.AddCommand(list, count)
	return cmd
}

func videosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "videos",
		Short: "Inspect saved tab and screen recordings",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openLibrary()
			if err != nil {
				return err
			}
			defer closeFn()

			videos, err := st.Videos().GetAll(context.Background(), queryFrom(cmd))
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(videos)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWHEN\tTYPE\tDURATION\tSIZE\tTITLE")
			for _, v := range videos {
				fmt.Fprintf(w, "%d\t%s\t%s\t%.1fs\t%d\t%s\n", v.ID, v.Timestamp.Format("2006-01-02 15:04"), v.Type, v.Duration, len(v.Data), v.Title)
			}
			return w.Flush()
		},
	}
	listFlags(list)

	cmd.AddCommand(list)
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
