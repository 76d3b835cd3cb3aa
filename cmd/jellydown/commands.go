package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jellyvod/jellydown/internal/engine/checkpoint"
	"github.com/jellyvod/jellydown/internal/engine/model"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or append to the persisted job queue (drained by \"start\")",
	}

	var (
		title, playlistURL, presetName string
		maxWidth, maxBitrate           int
		audioBitrate, audioChannels    int
		videoCodec, audioCodec         string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Append one descriptor to the persisted queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			descriptor := model.Descriptor{
				Title:       title,
				PlaylistURL: playlistURL,
				Preset: model.Preset{
					Name: presetName, MaxWidth: maxWidth, MaxBitrate: maxBitrate,
					VideoCodec: videoCodec, AudioCodec: audioCodec,
					AudioBitrate: audioBitrate, AudioChannels: audioChannels,
				},
			}
			existing, err := readQueueFile(cfg.TempDir)
			if err != nil {
				return err
			}
			existing = append(existing, descriptor)
			if err := writeQueueFile(cfg.TempDir, existing); err != nil {
				return err
			}
			fmt.Printf("queued %q (%d pending)\n", title, len(existing))
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "output filename title")
	add.Flags().StringVar(&playlistURL, "playlist-url", "", "master playlist URL")
	add.Flags().StringVar(&presetName, "preset-name", "1080p", "preset name")
	add.Flags().IntVar(&maxWidth, "max-width", 1920, "preset max width [320,7680]")
	add.Flags().IntVar(&maxBitrate, "max-bitrate", 8_000_000, "preset max bitrate [100000,100000000]")
	add.Flags().StringVar(&videoCodec, "video-codec", "h264", "h264 or hevc")
	add.Flags().StringVar(&audioCodec, "audio-codec", "aac", "must be aac")
	add.Flags().IntVar(&audioBitrate, "audio-bitrate", 128_000, "preset audio bitrate [32000,640000]")
	add.Flags().IntVar(&audioChannels, "audio-channels", 2, "2 or 6")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("playlist-url")

	list := &cobra.Command{
		Use:   "list",
		Short: "List descriptors waiting in the persisted queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			descriptors, err := readQueueFile(cfg.TempDir)
			if err != nil {
				return err
			}
			if len(descriptors) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for i, d := range descriptors {
				fmt.Printf("%d. %s (%s)\n", i+1, d.Title, d.PlaylistURL)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

// startCmd drains the persisted queue to completion in the foreground,
// printing a progress line on every state change (spec.md §6.2 "start",
// adapted to this process model's lack of a background daemon).
func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Drain the persisted queue, running every job to completion or failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, _, err := newScheduler()
			if err != nil {
				return err
			}
			defer sched.Shutdown()

			cfg := loadConfig()
			descriptors, err := readQueueFile(cfg.TempDir)
			if err != nil {
				return err
			}
			if len(descriptors) == 0 {
				fmt.Println("queue is empty; use \"jellydown queue add\" first")
				return nil
			}

			var jobIDs []string
			for _, d := range descriptors {
				job, err := sched.StartJob(d)
				if err != nil {
					fmt.Printf("rejected %q: %v\n", d.Title, err)
					continue
				}
				jobIDs = append(jobIDs, job.ID)
				sched.Subscribe(job.ID, func(evt model.ProgressEvent) {
					fmt.Printf("[%s] %s %d/%d (%.0f%%)\n", evt.JobID[:8], evt.Status, evt.Completed, evt.Total, evt.Progress*100)
				})
			}
			// The persisted queue has now been handed to the scheduler; clear it
			// so a re-run of "start" does not requeue completed jobs.
			if err := writeQueueFile(cfg.TempDir, nil); err != nil {
				return err
			}

			for {
				allTerminal := true
				for _, id := range jobIDs {
					evt := sched.GetProgress(id)
					if evt == nil {
						continue
					}
					switch evt.Status {
					case "completed", "failed", "cancelled":
					default:
						allTerminal = false
					}
				}
				if allTerminal {
					return nil
				}
				time.Sleep(500 * time.Millisecond)
			}
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recoverable jobs from the last interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			recovered, err := checkpoint.ScanForRecovery(cfg.TempDir)
			if err != nil {
				return err
			}
			if len(recovered) == 0 {
				fmt.Println("no recoverable jobs")
				return nil
			}
			for _, cp := range recovered {
				fmt.Printf("%s  %s  %d/%d segments\n", cp.JobID, cp.Descriptor.Title, len(cp.Completed), len(cp.Segments))
			}
			return nil
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-id>",
		Short: "Print the on-disk checkpoint progress for a recoverable job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			cp, err := checkpoint.Read(cfg.TempDir, args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				return fmt.Errorf("no checkpoint for job %s", args[0])
			}
			fmt.Printf("%s  status=%s  %d/%d segments  retries=%d\n",
				cp.JobID, cp.Status, len(cp.Completed), len(cp.Segments), cp.RetryCount)
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Delete a recoverable job's checkpoint so it will not resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := checkpoint.Delete(cfg.TempDir, args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Move the queued descriptor at position --index to the paused file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return moveQueueEntry(index, "queue.json", "paused.json")
		},
	}
	cmd.Flags().IntVar(&index, "index", 1, "1-based position in the persisted queue")
	return cmd
}

func unpauseCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "unpause",
		Short: "Move the paused descriptor at position --index back to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return moveQueueEntry(index, "paused.json", "queue.json")
		},
	}
	cmd.Flags().IntVar(&index, "index", 1, "1-based position in the paused file")
	return cmd
}

func moveQueueEntry(index int, fromName, toName string) error {
	cfg := loadConfig()
	from, err := readNamedQueueFile(cfg.TempDir, fromName)
	if err != nil {
		return err
	}
	if index < 1 || index > len(from) {
		return fmt.Errorf("index %d out of range [1,%d]", index, len(from))
	}
	entry := from[index-1]
	from = append(from[:index-1], from[index:]...)

	to, err := readNamedQueueFile(cfg.TempDir, toName)
	if err != nil {
		return err
	}
	to = append(to, entry)

	if err := writeNamedQueueFile(cfg.TempDir, fromName, from); err != nil {
		return err
	}
	return writeNamedQueueFile(cfg.TempDir, toName, to)
}
