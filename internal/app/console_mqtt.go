package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/report"
)

func formatPhase(p report.Phase) string {
	return fmt.Sprintf("[PHASE %s] f=%3d Hz  T=%6d us  jitter=%6.1f us  n=%d",
		p.Phase, p.FrequencyHz, p.PeriodUS, p.JitterUS, p.Count)
}

func formatStats(s report.Stats) string {
	return fmt.Sprintf("[STATS %s] valid=%d invalid=%d  T=%d..%d us  f=%.2f..%.2f Hz (avg %.2f)",
		s.Phase, s.ValidCount, s.InvalidCount,
		s.MinPeriodUS, s.MaxPeriodUS,
		s.MinFrequencyHz, s.MaxFrequencyHz, s.AvgFrequencyHz)
}

func formatSequence(s report.Sequence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SEQ  ] %-7s AB=%6.1f° BC=%6.1f° CA=%6.1f°  f=%d/%d/%d Hz",
		s.Sequence, s.AngleAB, s.AngleBC, s.AngleCA,
		s.FrequencyA, s.FrequencyB, s.FrequencyC)
	if s.Imbalance >= 0 {
		fmt.Fprintf(&b, "  imbalance=%.1f%%", s.Imbalance)
	}
	if !s.Synchronized {
		b.WriteString("  UNSYNC")
	}
	if len(s.Lost) > 0 {
		fmt.Fprintf(&b, "  lost=%s", strings.Join(s.Lost, ","))
	}
	fmt.Fprintf(&b, "\n        %s", s.Message)
	return b.String()
}

// RunConsoleMQTT prints every phase, statistics and sequence report until
// ctx is canceled.
func RunConsoleMQTT(ctx context.Context) error {
	return runConsoleMQTT(ctx, os.Stdout)
}

func runConsoleMQTT(ctx context.Context, out io.Writer) error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	for _, p := range []string{"A", "B", "C"} {
		topic := cfg.PhaseTopic(p)
		if err := subscribeJSON(client, topic, func(_ string, rep report.Phase) {
			fmt.Fprintln(out, formatPhase(rep))
		}); err != nil {
			return err
		}
		if err := subscribeJSON(client, topic+"/stats", func(_ string, rep report.Stats) {
			fmt.Fprintln(out, formatStats(rep))
		}); err != nil {
			return err
		}
	}
	if err := subscribeJSON(client, cfg.TopicSequence, func(_ string, rep report.Sequence) {
		fmt.Fprintln(out, formatSequence(rep))
	}); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("console: shutting down")
	return nil
}
