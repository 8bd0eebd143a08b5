package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediatask/ffmpeg"
	"mediatask/task"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const barSteps = 1000

var quiet bool

var runCmd = &cobra.Command{
	Use:   "run <task.json>",
	Short: "Run one task in the foreground",
	Long: `Runs the task described by a record file with a live progress bar.
Ctrl+C cancels the task; the record is saved either way so the task can be
resumed by running the same record again.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not draw a progress bar")
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read task record: %w", err)
	}

	toolkit, err := ffmpeg.NewToolkit(cfg)
	if err != nil {
		return err
	}
	engine, err := task.NewEngine(cfg, toolkit)
	if err != nil {
		return err
	}
	defer engine.Close()

	t, err := task.CreateTask(cmd.Context(), engine, data)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			log.Warn().Str("task", t.Name()).Msg("interrupt received, cancelling")
			_ = t.Cancel()
		}
	}()

	stopBar := make(chan struct{})
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		if quiet {
			<-stopBar
			return
		}
		drawProgress(t, stopBar)
	}()

	runErr := t.Run(context.Background())
	close(stopBar)
	<-barDone

	path, saveErr := t.Save("")
	if saveErr != nil {
		log.Error().Err(saveErr).Msg("could not save task record")
	} else {
		log.Info().Str("path", path).Msg("task record saved")
	}
	if runErr != nil {
		return runErr
	}

	report(t)
	if t.State() == task.StateCancelled {
		return fmt.Errorf("task %s cancelled at %.0f%%", t.Name(), t.Progress()*100)
	}
	return saveErr
}

func drawProgress(t task.Task, stop <-chan struct{}) {
	bar := progressbar.NewOptions(barSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", t.Kind(), t.Name())),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "▐",
			BarEnd:        "▌",
		}),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		_ = bar.Set(int(t.Progress() * barSteps))
		select {
		case <-stop:
			_ = bar.Set(int(t.Progress() * barSteps))
			fmt.Fprintln(os.Stderr)
			return
		case <-ticker.C:
		}
	}
}

// report prints what the finished task produced.
func report(t task.Task) {
	fmt.Println(t.Summary())
	switch v := t.(type) {
	case *task.Vidstab:
		if v.State() == task.StateDone {
			fmt.Printf("output: %s\n", v.OutputPath())
		}
	case *task.SceneDetect:
		cuts, err := v.CutPoints()
		if err != nil {
			return
		}
		for _, c := range cuts {
			fmt.Printf("cut at frame %d (%s) score %.3f\n", c.FrameIndex, c.Timestamp, c.Score)
		}
	}
}
