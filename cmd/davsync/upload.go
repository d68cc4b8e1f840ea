package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/davsync/internal/bandwidth"
	"github.com/openmined/davsync/internal/config"
	"github.com/openmined/davsync/internal/creds"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/ignore"
	"github.com/openmined/davsync/internal/journal"
	"github.com/openmined/davsync/internal/propagator"
	"github.com/openmined/davsync/internal/utils"
	"github.com/openmined/davsync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	errNotLoggedIn   = errors.New("not logged in, run `davsync login` first")
	errUploadsFailed = errors.New("some uploads failed")
)

func init() {
	rootCmd.AddCommand(newUploadCmd())
}

func newUploadCmd() *cobra.Command {
	var (
		excludes []string
		limit    string
		parallel int
		async    bool
		checksum string
	)

	cmd := &cobra.Command{
		Use:   "upload [paths...]",
		Short: "Upload files or directories below the sync root",
		Long:  "Upload files or directories below the sync root. Without arguments the whole sync root is uploaded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(cmd)
			if err != nil {
				return err
			}

			if cmd.Flag("limit").Changed {
				bps, err := humanize.ParseBytes(limit)
				if err != nil {
					return fmt.Errorf("invalid --limit %q: %w", limit, err)
				}
				cfg.UploadLimit = int64(bps)
			}
			if cmd.Flag("parallel").Changed && parallel > 0 {
				cfg.MaxParallel = parallel
			}
			if cmd.Flag("async").Changed {
				cfg.AsyncUpload = async
			}
			if cmd.Flag("checksum").Changed {
				cfg.ChecksumType = checksum
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			cmd.SilenceUsage = true

			store := creds.NewStore(credentialsPath(cfg))
			summary, err := runUpload(cmd.Context(), cfg, store, args, excludes)
			if summary != nil {
				summary.print(cmd.OutOrStdout())
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&excludes, "exclude", "x", nil, "Glob patterns to skip, e.g. '**/*.iso'")
	cmd.Flags().StringVar(&limit, "limit", "0", "Upload bandwidth limit, e.g. 512KiB (0 = unlimited)")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", config.DefaultMaxParallel, "Files uploaded at the same time")
	cmd.Flags().BoolVar(&async, "async", false, "Ask the server to finish uploads asynchronously")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Transmission checksum: SHA1, MD5 or Adler32")
	return cmd
}

type uploadResult struct {
	Path   string
	Status propagator.Status
	Error  string
}

type uploadSummary struct {
	mu                sync.Mutex
	results           []uploadResult
	skipped           []string
	lockedFiles       []string
	anotherSyncNeeded bool
}

func (s *uploadSummary) add(item *propagator.SyncFileItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, uploadResult{Path: item.Path, Status: item.Status, Error: item.ErrorString})
}

func (s *uploadSummary) failed() int {
	n := 0
	for _, r := range s.results {
		if r.Status != propagator.Success {
			n++
		}
	}
	return n
}

func (s *uploadSummary) print(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slices.SortFunc(s.results, func(a, b uploadResult) int { return strings.Compare(a.Path, b.Path) })
	for _, r := range s.results {
		switch r.Status {
		case propagator.Success:
			fmt.Fprintf(w, "%s %s\n", green("✓"), r.Path)
		case propagator.SoftError, propagator.Restoration:
			fmt.Fprintf(w, "%s %s: %s (%s)\n", yellow("!"), r.Path, r.Error, r.Status)
		default:
			fmt.Fprintf(w, "%s %s: %s (%s)\n", red("✗"), r.Path, r.Error, r.Status)
		}
	}
	for _, p := range s.skipped {
		fmt.Fprintf(w, "%s %s: %s\n", yellow("-"), p, "skipped, failed recently")
	}
	for _, p := range s.lockedFiles {
		fmt.Fprintf(w, "%s %s\n", yellow("locked:"), p)
	}
	if s.anotherSyncNeeded {
		fmt.Fprintln(w, cyan("another upload run is needed"))
	}
	fmt.Fprintf(w, "%d uploaded, %d failed, %d skipped\n", len(s.results)-s.failed(), s.failed(), len(s.skipped))
}

// runUpload uploads the given paths (all of the sync root when empty) and waits for every job.
func runUpload(ctx context.Context, cfg *config.Config, store *creds.Store, paths, excludes []string) (*uploadSummary, error) {
	client, err := davsdk.New(&davsdk.ClientConfig{
		ServerURL:  cfg.ServerURL,
		RemotePath: cfg.RemotePath,
		Insecure:   cfg.Insecure,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	account := cfg.User
	if u, err := url.Parse(cfg.ServerURL); err == nil {
		account = cfg.User + "@" + u.Host
	}
	credentials := &creds.HTTPCredentials{
		AppName:  version.AppName,
		User:     cfg.User,
		Account:  account,
		Resolver: client,
		Store:    store,
	}
	if err := credentials.Fetch(); err != nil {
		return nil, err
	}
	if err := credentials.Apply(client); errors.Is(err, creds.ErrNotReady) {
		return nil, errNotLoggedIn
	} else if err != nil {
		return nil, err
	}

	files, err := collectFiles(cfg.DataDir, paths, excludes)
	if err != nil {
		return nil, err
	}
	slog.Info("upload", "op", "COLLECT", "root", cfg.DataDir, "files", len(files))

	jrnl := journal.NewSyncJournal(cfg.JournalPath)
	if err := jrnl.Open(); err != nil {
		return nil, err
	}
	defer jrnl.Close()

	summary := &uploadSummary{}
	tracker := propagator.NewProgressTracker()
	stopProgress := logProgress(tracker)
	defer stopProgress()

	p, err := propagator.New(&propagator.Options{
		Journal:            jrnl,
		Uploader:           client,
		Bandwidth:          bandwidth.NewManager(cfg.UploadLimit),
		Progress:           tracker,
		LocalDir:           cfg.DataDir,
		RemoteFolder:       cfg.RemoteFolder,
		AsyncUpload:        cfg.AsyncUpload,
		PollInterval:       cfg.PollInterval,
		MaxResettingErrors: cfg.MaxResettingErrors,
		OnItemCompleted: func(item *propagator.SyncFileItem) {
			tracker.Remove(item.Path)
			summary.add(item)
		},
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			slog.Warn("upload", "op", "ABORT", "reason", ctx.Err())
			p.Abort()
		}
	}()

	// deferred uploads of an earlier run finish before anything is sent again
	resumed, err := p.ResumePolls(runCtx)
	if err != nil {
		return nil, err
	}
	polled := make(map[string]bool, len(resumed))
	for _, job := range resumed {
		job.Wait()
		polled[job.Item().Path] = true
	}

	now := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxParallel)
	for _, rel := range files {
		if ctx.Err() != nil || p.AbortRequested() {
			break
		}
		if polled[rel] {
			continue
		}

		item, skip, err := prepareItem(jrnl, cfg, rel, now)
		if err != nil {
			slog.Warn("upload", "op", "PREPARE", "path", rel, "error", err)
			continue
		}
		if skip {
			summary.skipped = append(summary.skipped, rel)
			continue
		}

		g.Go(func() error {
			p.UploadFile(runCtx, item).Wait()
			return nil
		})
	}
	g.Wait()

	summary.lockedFiles = p.SeenLockedFiles()
	slices.Sort(summary.lockedFiles)
	summary.anotherSyncNeeded = p.AnotherSyncNeeded()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if summary.failed() > 0 {
		return summary, errUploadsFailed
	}
	return summary, nil
}

// prepareItem builds the work item of one file. skip is true while the file sits in the
// error blacklist.
func prepareItem(jrnl *journal.SyncJournal, cfg *config.Config, rel string, now time.Time) (*propagator.SyncFileItem, bool, error) {
	localPath := filepath.Join(cfg.DataDir, filepath.FromSlash(rel))
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, false, err
	}

	entry, err := jrnl.ErrorBlacklistEntry(rel)
	if err != nil {
		return nil, false, err
	}
	if entry.Active(info.ModTime(), now) {
		slog.Info("upload", "op", "SKIP", "path", rel, "retries", entry.RetryCount, "until", entry.LastTryTime.Add(entry.IgnoreDuration))
		return nil, true, nil
	}

	item := &propagator.SyncFileItem{
		Path:              rel,
		Size:              info.Size(),
		ModTime:           info.ModTime(),
		IsNew:             true,
		HasBlacklistEntry: entry != nil,
	}

	rec, err := jrnl.GetFileRecord(rel)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		item.IsNew = false
		item.FileID = rec.FileID
		item.ETag = rec.ETag
	}

	if cfg.ChecksumType != "" {
		sum, err := propagator.ComputeTransmissionChecksum(localPath, cfg.ChecksumType)
		if err != nil {
			return nil, false, err
		}
		item.TransmissionChecksumHeader = sum
	}

	return item, false, nil
}

// collectFiles resolves paths (relative to root or absolute inside it) to the relative paths
// of the regular files to upload.
func collectFiles(root string, paths, excludes []string) ([]string, error) {
	list := ignore.NewList(root, excludes...)
	list.Load()

	if len(paths) == 0 {
		return list.Files()
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(rel string) {
		if _, ok := seen[rel]; !ok {
			seen[rel] = struct{}{}
			files = append(files, rel)
		}
	}

	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, p)
		}
		rel, ok := utils.RelativeTo(root, abs)
		if !ok {
			return nil, fmt.Errorf("%s is outside of the sync root %s", p, root)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !list.ShouldIgnore(rel) {
				add(rel)
			}
			continue
		}

		all, err := list.Files()
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			if rel == "." || strings.HasPrefix(f, rel+"/") {
				add(f)
			}
		}
	}
	return files, nil
}

func logProgress(tracker *propagator.ProgressTracker) (stop func()) {
	ch := tracker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for fp := range ch {
			slog.Debug("upload", "op", "PROGRESS", "path", fp.Path,
				"sent", humanize.IBytes(uint64(fp.Sent)),
				"total", humanize.IBytes(uint64(fp.Total)),
				"percent", fmt.Sprintf("%.1f", fp.Percent()))
		}
	}()
	return func() {
		tracker.Unsubscribe(ch)
		<-done
	}
}
