package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/soomehta/hive/internal/store"
)

func newExportCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session's full audit trail to a zstd-compressed tar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			return runExport(cmd.Context(), db, args[0], outputPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&outputPath, "file", "f", "", "output archive (.tar.zst)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type archiveFile struct {
	name string
	data []byte
}

func runExport(ctx context.Context, db *store.Store, sessionID, outputPath string, out io.Writer) error {
	files, err := collectSession(ctx, db, sessionID)
	if err != nil {
		return err
	}

	// Create output file
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	if err := writeArchive(f, files); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Fprintf(out, "Export complete: session %s, %d files, %s\n", sessionID, len(files), formatSize(size))
	return nil
}

// collectSession gathers everything recorded for a session as JSON documents.
func collectSession(ctx context.Context, db *store.Store, sessionID string) ([]archiveFile, error) {
	sess, err := db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	runs, err := db.ListRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := db.GetContextSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	handovers, err := db.ListHandovers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	signals, err := db.ListSignals(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	docs := []struct {
		name string
		v    any
	}{
		{"session.json", sess},
		{"plan.json", sess.DispatchPlan},
		{"runs.json", orEmpty(runs)},
		{"context.json", orEmpty(entries)},
		{"handovers.json", orEmpty(handovers)},
		{"signals.json", orEmpty(signals)},
	}
	files := make([]archiveFile, 0, len(docs))
	for _, d := range docs {
		data, err := json.MarshalIndent(d.v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", d.name, err)
		}
		files = append(files, archiveFile{name: sessionID + "/" + d.name, data: data})
	}
	return files, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeArchive(w io.Writer, files []archiveFile) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	now := time.Now()
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(f.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
