// Command peer is a headless console client for the call engine. It
// stands in for a GUI shell: create or join a session, toggle the mic,
// watch peer levels, hang up.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/config"
	"github.com/voxpeer/voxpeer/internal/discovery"
	"github.com/voxpeer/voxpeer/internal/negotiator"
)

func main() {
	join := flag.String("join", "", "session code to join; empty creates a new session")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	neg := negotiator.New(ctx, negotiator.Config{
		SignalURL: cfg.SignalURL,
		Resolver: &discovery.Resolver{
			Strategy: discovery.Strategy(cfg.Discovery),
			Server:   cfg.DiscoveryServer,
			Timeout:  cfg.DiscoveryTimeout,
		},
		LocalPort:      cfg.LocalPort,
		PunchInterval:  cfg.PunchInterval,
		PunchBackoff:   cfg.PunchBackoff,
		PunchFailAfter: cfg.PunchFailAfter,
		LevelGain:      cfg.AudioLevelGain,
		SilenceTimeout: cfg.AudioSilenceAfter,
	})

	ended, cancelEnded := neg.CallEnded()
	defer cancelEnded()
	states, cancelStates := neg.SessionStateChanged()
	defer cancelStates()

	setupCtx, setupCancel := context.WithTimeout(ctx, 15*time.Second)
	defer setupCancel()

	var ok bool
	if *join == "" {
		_, ok = neg.CreateSession(setupCtx)
	} else {
		_, ok = neg.ConnectToSession(setupCtx, strings.ToUpper(*join))
	}
	if !ok {
		log.Fatal().Msg("could not start session (discovery or signaling failed)")
	}

	go func() {
		for st := range states {
			fmt.Printf("session: %s\n", st.State)
			if sess, ok := neg.Current(); ok && sess.Code != "" {
				fmt.Printf("code: %s\n", sess.Code)
			}
		}
	}()

	go repl(neg)

	select {
	case <-ctx.Done():
		neg.Hangup(true)
	case ev := <-ended:
		log.Info().Str("reason", ev.Reason).Msg("call ended")
	}
}

func repl(neg *negotiator.Negotiator) {
	fmt.Println("commands: mute | unmute | levels | hangup")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "mute":
			neg.SetMicrophoneStatus(false)
		case "unmute":
			neg.SetMicrophoneStatus(true)
		case "levels":
			for peer, level := range neg.AudioLevels() {
				fmt.Printf("%s  %.2f\n", peer, level)
			}
		case "hangup":
			neg.Hangup(true)
			return
		case "":
		default:
			fmt.Println("commands: mute | unmute | levels | hangup")
		}
	}
}
