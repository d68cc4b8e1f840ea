package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/davsync/internal/journal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newJournalCmd())
}

func newJournalCmd() *cobra.Command {
	var wipe []string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show pending resumes, deferred uploads and blacklisted files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			jrnl := journal.NewSyncJournal(cfg.JournalPath)
			if err := jrnl.Open(); err != nil {
				return err
			}
			defer jrnl.Close()

			for _, p := range wipe {
				if err := jrnl.WipeErrorBlacklistEntry(p); err != nil {
					return err
				}
			}
			if len(wipe) > 0 {
				if err := jrnl.Commit("wipe blacklist"); err != nil {
					return err
				}
			}

			return printJournal(cmd.OutOrStdout(), jrnl, time.Now())
		},
	}

	cmd.Flags().StringSliceVar(&wipe, "wipe-blacklist", nil, "Remove blacklist entries of these paths")
	return cmd
}

func printJournal(w io.Writer, jrnl *journal.SyncJournal, now time.Time) error {
	uploads, err := jrnl.UploadInfos()
	if err != nil {
		return err
	}
	polls, err := jrnl.PollInfos()
	if err != nil {
		return err
	}
	entries, err := jrnl.BlacklistEntries()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, cyan("Resumable uploads"))
	for _, u := range uploads {
		fmt.Fprintf(w, "  %s  %s  transfer=%d errors=%d\n",
			u.Path, humanize.IBytes(uint64(u.Size)), u.TransferID, u.ErrorCount)
	}

	fmt.Fprintln(w, cyan("Deferred uploads"))
	for _, p := range polls {
		fmt.Fprintf(w, "  %s  %s\n", p.Path, p.URL)
	}

	fmt.Fprintln(w, cyan("Blacklist"))
	for _, e := range entries {
		state := "expired"
		if e.Active(e.LastTryModTime, now) {
			state = "retry " + humanize.RelTime(e.LastTryTime.Add(e.IgnoreDuration), now, "ago", "from now")
		}
		fmt.Fprintf(w, "  %s  retries=%d %s: %s\n", e.Path, e.RetryCount, state, e.ErrorString)
	}
	return nil
}
