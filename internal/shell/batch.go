package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/time/rate"

	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/robot"
)

// NewLimiter returns a limiter allowing perSecond tokens with the given burst,
// or nil when perSecond is zero.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// ReadScript returns the lines of a batch script.
func ReadScript(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// RunBatch sends each token in order, printing the ACK payload of each. Blank
// lines and lines starting with # are skipped. A nil limiter disables pacing.
// Failed tokens are reported and counted; only ctx cancellation stops the run.
func (s *Shell) RunBatch(ctx context.Context, tokens []string, limiter *rate.Limiter) (failed int, err error) {
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || strings.HasPrefix(token, "#") {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return failed, err
			}
		} else if err := ctx.Err(); err != nil {
			return failed, err
		}

		if !s.batchToken(token) {
			failed++
		}
	}
	if failed > 0 {
		monitoring.Logf("shell: batch finished with %d failed tokens", failed)
	}
	return failed, nil
}

func (s *Shell) batchToken(token string) bool {
	cmd, payload, err := resolve(token)
	if err != nil {
		s.errorf("%s -> %v", token, err)
		return false
	}

	switch cmd {
	case robot.CmdHelp:
		fmt.Fprintln(s.out, "See 'help' in interactive mode.")
		return true
	case "HISTORY":
		s.history(nil)
		return true
	}

	resp, err := s.link.Request(cmd, payload)
	if err != nil {
		s.errorf("%s -> %v", token, err)
		return false
	}
	fmt.Fprintln(s.out, resp)
	return true
}
