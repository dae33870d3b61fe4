// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command authctl is a terminal client for the Passage sign-in flows.
//
// # Usage
//
//	authctl [-local] [-seed email:password] <command>
//
// Commands:
//
//	signin   sign in with an email or username and a password
//	signup   create an account with an email and a password
//	phone    sign in with a one-time passcode sent to a phone
//	reset    request a password reset link
//	refresh  rotate the stored session
//	signout  revoke the stored session
//
// With -local the identity provider runs in process and passcodes are logged to
// stderr. Attempt windows and the issued session live under STATE_DIR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taibuivan/passage/internal/platform/constants"
)

func main() {
	local := flag.Bool("local", false, "use the in-process identity provider")
	seed := flag.String("seed", "", "email:password of a verified account to create with -local")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: authctl [-local] [-seed email:password] signin|signup|phone|reset|refresh|signout")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*local)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	context, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := execute(context, cfg, options{local: *local, seed: *seed}, flag.Arg(0), os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// execute runs one command against the given streams.
func execute(context context.Context, cfg *Config, opts options, command string, in io.Reader, out, diagnostics io.Writer) error {
	level := slog.LevelWarn
	if cfg.Debug || opts.local {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(diagnostics, &slog.HandlerOptions{Level: level})).
		With(slog.String("app", constants.AppName+"-ctl"))

	term := newTerminal(in, out, time.Now)
	application, err := newApp(cfg, term, opts, logger)
	if err != nil {
		return err
	}

	err = application.run(context, command)
	if errors.Is(err, io.EOF) {
		return errors.New("authctl: input ended")
	}
	return err
}
