package strategy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// Subprocess runs a user-supplied strategy executable and speaks
// line-delimited JSON over its stdio: one tick request out, one signal
// response back. The child is killed when the strategy is closed.
type Subprocess struct {
	tk      Toolkit
	command string
	args    []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
}

// subprocessTick is the request written per tick.
type subprocessTick struct {
	Symbol  string      `json:"symbol"`
	Price   float64     `json:"price"`
	Candles [][]float64 `json:"candles,omitempty"`
}

// subprocessSignal is the child's reply.
type subprocessSignal struct {
	Action   string  `json:"action"` // BUY, SELL, HOLD
	Type     string  `json:"type,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Note     string  `json:"note,omitempty"`
}

func NewSubprocess(tk Toolkit) (Strategy, error) {
	command := stringParam(tk.Params, "command", "")
	if command == "" {
		return nil, fmt.Errorf("subprocess: command parameter is required")
	}
	var args []string
	if raw, ok := tk.Params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	return &Subprocess{tk: tk, command: command, args: args}, nil
}

func (s *Subprocess) Name() string { return "subprocess" }

func (s *Subprocess) Description() string {
	return fmt.Sprintf("external strategy process: %s", s.command)
}

func (s *Subprocess) RequiredTimeframes() []string { return nil }

func (s *Subprocess) OnTick(ctx context.Context, data MarketData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStartedLocked(); err != nil {
		return err
	}

	tick := subprocessTick{Symbol: s.tk.Symbol, Price: data.Price()}
	for _, c := range data.Candles {
		tick.Candles = append(tick.Candles, []float64{
			float64(c.OpenTime), c.Open, c.High, c.Low, c.Close, c.Volume,
		})
	}
	payload, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
		s.killLocked()
		return fmt.Errorf("subprocess: write tick: %w", err)
	}

	if !s.stdout.Scan() {
		s.killLocked()
		return fmt.Errorf("subprocess: child closed stdout: %w", s.stdout.Err())
	}
	line := strings.TrimSpace(s.stdout.Text())
	if line == "" {
		return nil
	}

	var sig subprocessSignal
	if err := json.Unmarshal([]byte(line), &sig); err != nil {
		return fmt.Errorf("subprocess: bad signal %q: %w", line, err)
	}
	if sig.Action == "" || sig.Action == "HOLD" {
		return nil
	}
	if err := validateSide(sig.Action); err != nil {
		return fmt.Errorf("subprocess: %w", err)
	}

	orderType := sig.Type
	if orderType == "" {
		orderType = "MARKET"
	}
	qty := sig.Quantity
	if qty <= 0 {
		qty = floatParam(s.tk.Params, "quantity", 0.001)
	}
	return s.tk.OnOrder(ctx, OrderIntent{
		Side:     sig.Action,
		Type:     orderType,
		Quantity: qty,
		Price:    sig.Price,
		Note:     sig.Note,
	})
}

// Close terminates the child process. Safe to call multiple times.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *Subprocess) ensureStartedLocked() error {
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.command, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("subprocess: stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("subprocess: start %s: %w", s.command, err)
	}
	log.Printf("strategy: started subprocess %s (pid %d)", s.command, cmd.Process.Pid)
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewScanner(stdout)
	return nil
}

func (s *Subprocess) killLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
}
