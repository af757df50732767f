// Command client is a terminal front end for the consultation realtime
// layer: conversations, chat with offline queueing, and live sessions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"consult_realtime/internal/apiclient"
	"consult_realtime/internal/config"
	"consult_realtime/internal/domain"
	"consult_realtime/internal/livesession"
	"consult_realtime/internal/messaging"
	"consult_realtime/internal/presence"
	"consult_realtime/internal/transport"
	"consult_realtime/pkg/jwt"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

const help = `commands:
  /list                 conversations, newest first
  /open <id>            open a conversation and show its history
  /send <text>          send to the open conversation (plain lines do the same)
  /retry <corr-id>      resend a failed message
  /call <engagement>    enter the live session of an engagement
  /hangup               leave the live session
  /status               connection and session state
  /quit`

type app struct {
	out      io.Writer
	dir      *presence.Directory
	messages *messaging.Manager
	sessions *livesession.Manager
	renderer *livesession.RTPRenderer
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)
	defer appLogger.Sync()

	userID := cfg.UserID
	if userID == "" {
		claims, err := jwt.PeekClaims(cfg.Token)
		if err != nil {
			appLogger.Fatal("Cannot read identity from token", "error", err)
		}
		userID = claims.UserID
	}

	clk := clock.New()
	tr := transport.NewAdapter(transport.Options{URL: cfg.WSURL, Token: cfg.Token}, appLogger)
	dir := presence.New(tr, clk, presence.Options{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		MaxBackoff:        cfg.MaxBackoff,
	}, appLogger)
	api := apiclient.New(cfg.APIURL, cfg.Token, cfg.RequestTimeout)
	renderer := livesession.NewRTPRenderer(appLogger)
	connector := livesession.NewPionConnector(tr, dir, userID, livesession.PionOptions{ICEServers: cfg.ICEServers}, appLogger)

	a := &app{
		out:      os.Stdout,
		dir:      dir,
		messages: messaging.NewManager(tr, dir, api, userID, clk, appLogger),
		sessions: livesession.NewManager(api, connector, renderer, clk, appLogger),
		renderer: renderer,
	}
	defer a.messages.Close()
	defer dir.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir.OnStatus(func(s presence.Status, err error) {
		if err != nil {
			fmt.Fprintf(a.out, "* connection %s: %v\n", s, err)
			return
		}
		fmt.Fprintf(a.out, "* connection %s\n", s)
	})
	if err := dir.Start(ctx, userID); err != nil {
		appLogger.Fatal("Failed to connect", "url", cfg.WSURL, "error", err)
	}

	if _, err := a.messages.LoadConversations(ctx); err != nil {
		fmt.Fprintf(a.out, "! could not load conversations: %v\n", err)
	}
	go a.watchMessages(ctx)

	fmt.Fprintf(a.out, "signed in as %s\n%s\n", userID, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.sessions.Leave()
			return
		case line, ok := <-lines:
			if !ok {
				a.sessions.Leave()
				return
			}
			if !a.handle(ctx, strings.TrimSpace(line)) {
				a.sessions.Leave()
				return
			}
		}
	}
}

// handle runs one input line and reports whether to keep going.
func (a *app) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		a.send(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(a.out, help)
	case "/list":
		a.list(ctx)
	case "/open":
		a.open(ctx, arg)
	case "/send":
		a.send(arg)
	case "/retry":
		if err := a.messages.Retry(arg); err != nil {
			fmt.Fprintf(a.out, "! retry: %v\n", err)
		}
	case "/call":
		a.call(ctx, arg)
	case "/hangup":
		a.sessions.Leave()
	case "/status":
		a.status()
	default:
		fmt.Fprintf(a.out, "! unknown command %s\n", cmd)
	}
	return true
}

func (a *app) list(ctx context.Context) {
	if _, err := a.messages.LoadConversations(ctx); err != nil {
		fmt.Fprintf(a.out, "! %v\n", err)
	}
	for _, c := range a.messages.Conversations() {
		last := ""
		if c.LastMessage != nil {
			last = fmt.Sprintf("  %s  %q", c.LastMessage.CreatedAt.Local().Format("Jan 2 15:04"), c.LastMessage.Content)
		}
		unread := ""
		if n := a.messages.Unread(c.ID); n > 0 {
			unread = fmt.Sprintf(" (%d unread)", n)
		}
		fmt.Fprintf(a.out, "%s  %s/%s%s%s\n", c.ID, c.ProviderID, c.ConsumerID, unread, last)
	}
}

func (a *app) open(ctx context.Context, id string) {
	if id == "" {
		fmt.Fprintln(a.out, "! usage: /open <conversation-id>")
		return
	}
	entries, err := a.messages.Open(ctx, id)
	if err != nil {
		fmt.Fprintf(a.out, "! %v\n", err)
	}
	for _, e := range entries {
		a.printEntry(e)
	}
}

func (a *app) send(content string) {
	active := a.messages.Active()
	if active == "" {
		fmt.Fprintln(a.out, "! open a conversation first")
		return
	}
	if _, err := a.messages.Send(active, content); err != nil {
		fmt.Fprintf(a.out, "! send: %v\n", err)
	}
}

func (a *app) call(ctx context.Context, engagementID string) {
	if engagementID == "" {
		fmt.Fprintln(a.out, "! usage: /call <engagement-id>")
		return
	}
	s := a.sessions.Enter(ctx, engagementID)
	fmt.Fprintf(a.out, "* entering %s\n", domain.EngagementRoom(engagementID))
	go a.watchSession(s)
}

func (a *app) status() {
	fmt.Fprintf(a.out, "connection: %s, queued sends: %d\n", a.dir.Status(), a.messages.Queued())
	for _, m := range a.dir.Memberships() {
		fmt.Fprintf(a.out, "  room %s\n", m.RoomID)
	}
	if s := a.sessions.Current(); s != nil {
		fmt.Fprintf(a.out, "session %s: %s\n", s.EngagementID(), s.State())
		for _, st := range a.renderer.Stats() {
			fmt.Fprintf(a.out, "  %s %s track %s: %d packets\n", st.ParticipantID, st.Kind, st.TrackID, st.Packets)
		}
	}
}

func (a *app) watchMessages(ctx context.Context) {
	updates, cancel := a.messages.Subscribe(64)
	defer cancel()

	printed := make(map[string]domain.DeliveryState)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			switch u.Kind {
			case messaging.UpdateUnread:
				fmt.Fprintf(a.out, "* %d unread in %s\n", a.messages.Unread(u.ConversationID), u.ConversationID)
			case messaging.UpdateLog:
				if u.ConversationID != a.messages.Active() {
					continue
				}
				for _, e := range a.messages.Messages(u.ConversationID) {
					state := e.Delivery.State()
					key := e.Message.CorrelationID
					if key == "" {
						key = e.Message.ID
					}
					if printed[key] == state {
						continue
					}
					printed[key] = state
					a.printEntry(e)
				}
			}
		}
	}
}

func (a *app) watchSession(s *livesession.Session) {
	<-s.Ready()
	if err := s.Err(); err != nil {
		fmt.Fprintf(a.out, "! session %s: %v\n", s.EngagementID(), err)
		return
	}
	if s.State() == livesession.StateDisconnected {
		return
	}
	fmt.Fprintf(a.out, "* session %s %s\n", s.EngagementID(), s.State())

	for range s.Updates() {
		if s.State() == livesession.StateDisconnected {
			fmt.Fprintf(a.out, "* session %s ended\n", s.EngagementID())
			return
		}
		for _, surface := range s.Surfaces() {
			fmt.Fprintf(a.out, "  %s: %d track(s)\n", surface.ParticipantID, len(surface.TrackIDs))
		}
	}
}

func (a *app) printEntry(e messaging.Entry) {
	m := e.Message
	mark := ""
	switch d := e.Delivery.(type) {
	case domain.Pending:
		mark = " (sending)"
	case domain.Failed:
		mark = fmt.Sprintf(" (failed: %v, /retry %s)", d.Reason, d.CorrelationID)
	}
	fmt.Fprintf(a.out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content, mark)
}
