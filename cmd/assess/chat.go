package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/evalstream/internal/agent"
	"github.com/ashureev/evalstream/internal/app"
	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/prompt"
	"github.com/ashureev/evalstream/internal/session"
	"github.com/ashureev/evalstream/internal/store"
	"github.com/spf13/cobra"
)

var (
	chatName string
	chatLang string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run an assessment in the terminal",
	Long: `Starts or resumes the local assessment. The conversation is saved to the
local database and resumed on the next run until it is reset.

Commands:
  /reset       abandon the assessment and start over
  /lang xx     switch language (en, th, vi)
  /font + | -  change the display scale
  /header      toggle the header line
  /packages    list the price packages
  /quit        exit, keeping the conversation`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatName, "name", "", "participant name (prompted when empty)")
	chatCmd.Flags().StringVar(&chatLang, "lang", "en", "assessment language: en, th, vi")
}

func runChat(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateGenerator(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slots, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer slots.Close()

	records, err := app.OpenRemote(ctx, cfg.RemoteDSN, logger)
	if err != nil {
		return err
	}
	defer records.Close()

	gen, err := app.NewGenerator(ctx, cfg.Generator, records, logger)
	if err != nil {
		return err
	}
	defer gen.Close()

	catalog, err := prompt.Load(cfg.PromptFile)
	if err != nil {
		return err
	}

	s := session.New(session.Options{
		Consumer:     agent.NewConsumer(gen, cfg.Generator.IdleTimeout, logger),
		Slot:         store.NewSlot(slots, store.DefaultSlot),
		Remote:       records,
		Catalog:      catalog,
		Language:     domain.ParseLanguage(chatLang),
		PersistDelay: cfg.Session.PersistDelay,
		Logger:       logger,
	})
	defer s.Close(context.Background())

	return newREPL(s, cmd.InOrStdin(), cmd.OutOrStdout()).run(ctx, chatName, domain.ParseLanguage(chatLang))
}

// repl drives one session from line-oriented input.
type repl struct {
	s   *session.Session
	in  *bufio.Scanner
	out io.Writer
}

func newREPL(s *session.Session, in io.Reader, out io.Writer) *repl {
	return &repl{s: s, in: bufio.NewScanner(in), out: out}
}

func (r *repl) run(ctx context.Context, name string, lang domain.Language) error {
	restored, err := r.s.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if restored {
		r.printf("Resuming your assessment.\n")
		r.header()
		for _, m := range r.s.Snapshot().Messages {
			r.message(m)
		}
	} else if name != "" {
		if err := r.login(ctx, name, lang); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.s.Snapshot().IsEmpty() {
			r.printf("Name: ")
		} else {
			r.printf("> ")
		}
		if !r.in.Scan() {
			r.printf("\n")
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if r.s.Snapshot().IsEmpty() {
			if err := r.login(ctx, line, r.s.Snapshot().Language); err != nil {
				r.printf("error: %v\n", err)
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *repl) login(ctx context.Context, name string, lang domain.Language) error {
	st, err := r.s.Login(ctx, name, lang)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	r.header()
	for _, m := range st.Messages {
		r.message(m)
	}
	return nil
}

func (r *repl) send(ctx context.Context, text string) {
	printed := ""
	err := r.s.Send(ctx, text, func(m domain.Message) {
		if strings.HasPrefix(m.Text, printed) {
			r.printf("%s", m.Text[len(printed):])
		} else {
			r.printf("\n%s", m.Text)
		}
		printed = m.Text
		if !m.Streaming {
			r.printf("\n")
		}
	})
	if err != nil && !errors.Is(err, agent.ErrTransport) && !errors.Is(err, agent.ErrIdleTimeout) {
		r.printf("error: %v\n", err)
		return
	}
	r.header()
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		lang := r.s.Snapshot().Language
		if err := r.s.Reset(ctx); err != nil {
			return false, err
		}
		r.printf("%s\n", r.s.Catalog().ResetNotice(lang))
	case "/lang":
		if len(fields) < 2 {
			return false, errors.New("usage: /lang en|th|vi")
		}
		r.printf("Language: %s\n", r.s.SetLanguage(domain.Language(fields[1])))
	case "/font":
		step := 1
		if len(fields) > 1 && fields[1] == "-" {
			step = -1
		}
		idx := r.s.SetFontSizeIndex(r.s.Snapshot().FontSizeIndex + step)
		r.printf("Font size: %s\n", domain.FontSizes[idx])
	case "/header":
		visible := !r.s.Snapshot().HeaderVisible
		r.s.SetHeaderVisible(visible)
		r.printf("Header: %s\n", onOff(visible))
	case "/packages":
		for _, p := range r.s.Catalog().Packages(r.s.Snapshot().Language) {
			r.printf("  %-28s %8d  %-10s %d AI queries\n", p.Name, p.Price, p.Duration, p.AIQueries)
		}
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (r *repl) header() {
	st := r.s.Snapshot()
	if !st.HeaderVisible || st.IsEmpty() {
		return
	}
	r.printf("[%s | score %d%% | %s]\n", st.Participant, st.Score, domain.DeriveStatus(st.Score))
}

func (r *repl) message(m domain.Message) {
	if m.Role == domain.RoleUser {
		r.printf("> %s\n", m.Text)
		return
	}
	r.printf("%s\n", m.Text)
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
