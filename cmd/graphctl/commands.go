package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/domain/versioning"
	"graphcore/pkg/utils"

	"github.com/spf13/cobra"
)

var errVerifyFailed = errors.New("chain verification failed")

func newVerifyCmd(open opener) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [graph-id...]",
		Short: "Recompute and check the hash chain of one or more streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass graph ids or --all")
			}
			ctx := cmd.Context()
			c, cleanup, err := open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			ids, err := graphIDs(ctx, c.Storage.EventLog, args, all)
			if err != nil {
				return err
			}

			failed := 0
			out := cmd.OutOrStdout()
			for _, id := range ids {
				head, count, err := verifyStream(ctx, c.Storage.EventLog, id)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s events=%d head=%d:%s\n", id, count, head.Sequence, shortHash(head.Hash))
			}
			fmt.Fprintf(out, "%d streams verified, %d failed\n", len(ids)-failed, failed)
			if failed > 0 {
				return errVerifyFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every stream in the log")
	return cmd
}

func verifyStream(ctx context.Context, log ports.EventLog, id valueobjects.GraphID) (events.ChainHead, int, error) {
	stream, err := log.Read(ctx, id, 1)
	if err != nil {
		return events.ChainHead{}, 0, err
	}
	defer stream.Close()

	v := events.NewChainVerifier(id)
	count := 0
	for stream.Next(ctx) {
		env := stream.Envelope()
		if err := v.Verify(&env); err != nil {
			return events.ChainHead{}, count, err
		}
		count++
	}
	if err := stream.Err(); err != nil {
		return events.ChainHead{}, count, err
	}
	seq, hash := v.Head()
	return events.ChainHead{Sequence: seq, Hash: hash}, count, nil
}

func newReplayCmd(open opener) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "replay <graph-id>",
		Short: "Rebuild a graph from its events and print the state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := valueobjects.NewGraphIDFromString(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, cleanup, err := open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var g *aggregates.Graph
			if asOf != "" {
				t, perr := utils.ParseRFC3339(asOf)
				if perr != nil {
					return fmt.Errorf("--as-of must be RFC3339: %w", perr)
				}
				g, err = c.Commands.LoadAt(ctx, id, t)
			} else {
				g, err = c.Commands.Load(ctx, id)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(g.State())
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "replay only events up to this RFC3339 instant")
	return cmd
}

func newSnapshotCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <graph-id>",
		Short: "Snapshot a graph at its current version and list its snapshot history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := valueobjects.NewGraphIDFromString(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, cleanup, err := open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			version, err := c.Commands.ForceSnapshot(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot written for %s at version %d\n", id, version)

			history, err := c.Snapshots.History(ctx, id)
			if err != nil {
				return err
			}
			for i, h := range history {
				fmt.Fprintf(out, "  v%-6d nodes=%-5d edges=%-5d checksum=%s %s\n",
					h.Version, h.NodeCount, h.EdgeCount, shortHash(h.Checksum), h.CreatedAt.Format(time.RFC3339))
				if i == 0 {
					continue
				}
				diff, err := versioning.CompareVersions(history[i-1], h)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "          %d events since v%d, nodes %+d, edges %+d, %s later\n",
					diff.EventCount, diff.FromVersion, diff.NodesDelta, diff.EdgesDelta, diff.TimeDiff.Round(time.Second))
			}
			return nil
		},
	}
}

// release goes through the running service: quarantine is held in the
// memory of the process that detected the violation
func newReleaseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release <graph-id>",
		Short: "Lift the integrity quarantine of a stream in a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := valueobjects.NewGraphIDFromString(args[0]); err != nil {
				return err
			}
			if opts.server == "" {
				return errors.New("--server (or GRAPHCORE_URL) is required")
			}

			url := strings.TrimRight(opts.server, "/") + "/api/v2/admin/graphs/" + args[0] + "/release"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(nil))
			if err != nil {
				return err
			}
			if opts.token != "" {
				req.Header.Set("Authorization", "Bearer "+opts.token)
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("release request failed: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("release rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			var parsed struct {
				Data struct {
					Released bool `json:"released"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return fmt.Errorf("unexpected response: %w", err)
			}
			if parsed.Data.Released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s; the next load re-verifies the chain\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not quarantined\n", args[0])
			}
			return nil
		},
	}
}

func graphIDs(ctx context.Context, log ports.EventLog, args []string, all bool) ([]valueobjects.GraphID, error) {
	if all {
		return log.Streams(ctx)
	}
	ids := make([]valueobjects.GraphID, 0, len(args))
	for _, a := range args {
		id, err := valueobjects.NewGraphIDFromString(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
