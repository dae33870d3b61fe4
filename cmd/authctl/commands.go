// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/taibuivan/passage/internal/users/flow"
	"github.com/taibuivan/passage/internal/users/phone"
)

// run dispatches one command.
func (application *app) run(context context.Context, command string) error {
	switch command {
	case "signin":
		return application.runCredentials(context, flow.IntentSignIn)
	case "signup":
		return application.runCredentials(context, flow.IntentSignUp)
	case "phone":
		return application.runPhone(context)
	case "reset":
		return application.runReset(context)
	case "refresh":
		return application.runRefresh(context)
	case "signout":
		return application.runSignOut(context)
	}
	return fmt.Errorf("authctl: unknown command %q", command)
}

// runCredentials drives the orchestrator through one email or username submission.
func (application *app) runCredentials(context context.Context, intent flow.Intent) error {
	identifier, err := application.term.prompt("Email or username")
	if err != nil {
		return err
	}
	password, err := application.term.prompt("Password")
	if err != nil {
		return err
	}

	orchestrator := flow.New(application.flowConfig())
	defer orchestrator.Close()

	state, err := orchestrator.Submit(context, flow.Submission{
		Identifier: identifier,
		Password:   password,
		Intent:     intent,
	})
	if err != nil {
		return err
	}

	return application.finish(context, orchestrator, state)
}

func (application *app) runReset(context context.Context) error {
	identifier, err := application.term.prompt("Email or username")
	if err != nil {
		return err
	}

	orchestrator := flow.New(application.flowConfig())
	defer orchestrator.Close()

	state, err := orchestrator.RequestPasswordReset(context, identifier)
	if err != nil {
		return err
	}
	if state.Phase != flow.PhaseRedirecting {
		return errors.New("authctl: " + flow.View(state, application.now()).Message)
	}
	return nil
}

// runPhone drives the phone machine until a number is verified, then hands the
// user to the orchestrator to finish sign-in.
func (application *app) runPhone(context context.Context) error {
	machine := phone.New(application.phoneConfig())
	defer machine.Close()

	for {
		if err := context.Err(); err != nil {
			return err
		}

		session := machine.Session()
		var err error

		switch {
		case session.Step == phone.StepVerified:
			machine.WaitSync()
			return application.completePhone(context, machine)

		case session.AwaitingCode():
			var code string
			if code, err = application.term.prompt("Code (blank to resend, \"change\" for another number)"); err != nil {
				return err
			}
			switch code {
			case "":
				_, err = machine.SendCode(context, session.PhoneCandidate)
			case "change":
				machine.ChangeNumber()
			default:
				_, err = machine.Confirm(context, code)
			}

		default:
			if failure := session.Failure; failure != nil && !failure.Recoverable {
				return errors.New("authctl: " + failure.Message)
			}
			var number string
			if number, err = application.term.prompt("Phone number"); err != nil {
				return err
			}
			_, err = machine.SendCode(context, number)
		}

		if err != nil {
			if contextErr := context.Err(); contextErr != nil {
				return contextErr
			}
			application.term.printf("[danger] %v", err)
		}
	}
}

func (application *app) completePhone(context context.Context, machine *phone.Machine) error {
	if failure := machine.Session().SyncFailure; failure != nil && application.term.confirm("Retry saving your phone") {
		if _, err := machine.RetryProfileSync(context); err != nil {
			application.term.printf("[warning] %v", err)
		}
		machine.WaitSync()
	}

	orchestrator := flow.New(application.flowConfig())
	defer orchestrator.Close()

	state, err := orchestrator.CompletePhoneSignIn(context, machine.VerifiedUser())
	if err != nil {
		return err
	}
	return application.finish(context, orchestrator, state)
}

// finish offers the profile sync retry, stores the session and reports failures.
func (application *app) finish(context context.Context, orchestrator *flow.Orchestrator, state flow.State) error {
	if state.ProfileSyncFailed && application.term.confirm("Retry saving your profile") {
		retried, err := orchestrator.RetryProfileSync(context)
		if err != nil {
			application.term.printf("[warning] %v", err)
		} else {
			state = retried
		}
	}

	if state.Phase == flow.PhaseError || state.Phase == flow.PhaseRateLimited {
		return errors.New("authctl: " + flow.View(state, application.now()).Message)
	}

	result := orchestrator.Result()
	if err := application.saveSession(result.Session); err != nil {
		return err
	}
	if result.Session != nil {
		application.term.printf("Session %s stored in %s", result.Session.SessionID, application.cfg.sessionPath())
	}
	return nil
}

func (application *app) runRefresh(context context.Context) error {
	if application.sessions == nil {
		return errNoAPI
	}
	current, err := application.loadSession()
	if err != nil {
		return err
	}

	issued, err := application.sessions.Refresh(context, current.RefreshToken)
	if err != nil {
		return err
	}
	if err := application.saveSession(issued); err != nil {
		return err
	}
	application.term.printf("Session %s refreshed until %s", issued.SessionID, issued.AccessTokenExpiresAt.Format("15:04:05"))
	return nil
}

func (application *app) runSignOut(context context.Context) error {
	if application.sessions == nil {
		return errNoAPI
	}
	current, err := application.loadSession()
	if err != nil {
		return err
	}

	if err := application.sessions.Revoke(context, current.RefreshToken); err != nil {
		return err
	}
	if err := os.Remove(application.cfg.sessionPath()); err != nil {
		return fmt.Errorf("session_remove_failed: %w", err)
	}
	application.term.printf("Signed out")
	return nil
}
