package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/archbridge/internal/executor"
	"github.com/jxucoder/archbridge/internal/session"
	"github.com/jxucoder/archbridge/internal/telegram"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run local self checks and exit",
	Long:  "Exercise chunking, executor stream parsing, and the restart coordinator without touching Telegram or the executor.",
	RunE:  runSelftest,
}

func init() {
	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	chunks := telegram.Chunks(strings.Repeat("x", telegram.MessageLimit+50))
	if len(chunks) < 2 {
		return fmt.Errorf("chunking self-test failed: got %d chunk(s)", len(chunks))
	}

	sampleStream := `{"type":"thread.started","thread_id":"thread-123"}` + "\n" +
		`{"type":"item.completed","item":{"type":"agent_message","text":"hello"}}` + "\n"
	threadID, output := executor.ParseOutput(sampleStream)
	if threadID != "thread-123" || output != "hello" {
		return fmt.Errorf("stream parse self-test failed: thread=%q output=%q", threadID, output)
	}

	if !executor.ShouldResetThread("error: thread not found", "") {
		return fmt.Errorf("reset marker self-test failed")
	}

	state := session.NewState(session.Paths{})
	if decision, _ := state.RequestSafeRestart(1, 0); decision != session.RestartRunNow {
		return fmt.Errorf("restart self-test failed: expected immediate run, got %v", decision)
	}
	state.FinishRestartAttempt()
	state.MarkBusy(1)
	if decision, _ := state.RequestSafeRestart(1, 0); decision != session.RestartQueued {
		return fmt.Errorf("restart self-test failed: expected queued, got %v", decision)
	}
	state.ClearBusy(1)
	if chatID, _, ok := state.PopReadyRestart(); !ok || chatID != 1 {
		return fmt.Errorf("restart self-test failed: queued restart not handed out")
	}
	state.FinishRestartAttempt()

	fmt.Println("self-test: ok")
	return nil
}
