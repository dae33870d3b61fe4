// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/taibuivan/passage/internal/users/challenge"
	"github.com/taibuivan/passage/internal/users/flow"
	"github.com/taibuivan/passage/internal/users/phone"
)

// terminal is the line-oriented surface the client renders to.
type terminal struct {
	// mu serializes output; profile sync results arrive on another goroutine.
	mu      sync.Mutex
	scanner *bufio.Scanner
	out     io.Writer
	now     func() time.Time
}

func newTerminal(in io.Reader, out io.Writer, now func() time.Time) *terminal {
	return &terminal{scanner: bufio.NewScanner(in), out: out, now: now}
}

// prompt prints label and reads one trimmed line. It returns [io.EOF] when the
// input is exhausted. Only the command goroutine reads input.
func (term *terminal) prompt(label string) (string, error) {
	term.mu.Lock()
	fmt.Fprintf(term.out, "%s: ", label)
	term.mu.Unlock()

	if !term.scanner.Scan() {
		if err := term.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(term.scanner.Text()), nil
}

func (term *terminal) confirm(label string) bool {
	answer, err := term.prompt(label + " [y/N]")
	return err == nil && strings.EqualFold(answer, "y")
}

func (term *terminal) printf(format string, args ...any) {
	term.mu.Lock()
	defer term.mu.Unlock()
	fmt.Fprintf(term.out, format+"\n", args...)
}

// showFlow renders one orchestrator state through its presentation.
func (term *terminal) showFlow(state flow.State) {
	presentation := flow.View(state, term.now())

	line := "[" + string(presentation.Tone) + "] " + presentation.Title
	if presentation.Message != "" {
		line += ": " + presentation.Message
	}
	if presentation.Countdown > 0 {
		line += fmt.Sprintf(" (try again in %s)", presentation.Countdown.Round(time.Second))
	}
	if presentation.Action != "" && !presentation.Busy {
		line += " -> " + string(presentation.Action)
	}
	if state.Provider != "" {
		line += " [" + state.Provider + "]"
	}
	term.printf("%s", line)
}

// showPhone renders one phone verification session.
func (term *terminal) showPhone(session phone.Session) {
	switch session.Step {
	case phone.StepChallengeAcquiring:
		term.printf("[busy] Checking you are human")
	case phone.StepCodeSent:
		term.printf("[neutral] Code sent to %s", session.PhoneCandidate)
	case phone.StepVerified:
		term.printf("[success] %s verified", session.VerifiedPhone)
		if session.SyncFailure != nil {
			term.printf("[warning] %s -> %s", session.SyncFailure.Message, session.SyncFailure.Action)
		}
	case phone.StepError:
		if failure := session.Failure; failure != nil {
			line := "[danger] " + failure.Message
			if failure.RetryAfter > 0 {
				line += fmt.Sprintf(" (wait %s)", failure.RetryAfter.Round(time.Second))
			}
			if failure.Action != "" {
				line += " -> " + string(failure.Action)
			}
			term.printf("%s", line)
		}
	}
}

// # Challenge widget

// promptWidget asks the operator to solve the challenge out of band and paste
// the resulting token.
type promptWidget struct {
	term     *terminal
	rendered bool
}

func (term *terminal) widgetFactory() challenge.WidgetFactory {
	return func() (challenge.Widget, error) {
		return &promptWidget{term: term}, nil
	}
}

func (widget *promptWidget) Render(context context.Context) error {
	if err := context.Err(); err != nil {
		return err
	}
	widget.term.printf("A challenge is required. Solve it in the browser and paste the token.")
	widget.rendered = true
	return nil
}

func (widget *promptWidget) Execute(context context.Context, action string) (string, error) {
	if !widget.rendered {
		return "", challenge.ErrWidgetDestroyed
	}
	token, err := widget.term.prompt("Challenge token (" + action + ")")
	if err != nil {
		return "", err
	}
	if err := context.Err(); err != nil {
		return "", err
	}
	return token, nil
}

func (widget *promptWidget) Destroy() {
	widget.rendered = false
}
