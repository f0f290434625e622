package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/floegence/flowerchat/internal/chat"
	"github.com/floegence/flowerchat/internal/gateway"
	"github.com/floegence/flowerchat/internal/orchestrator"
	"github.com/floegence/flowerchat/internal/registry"
	"github.com/floegence/flowerchat/internal/sessionstore"
)

type modelLister func(ctx context.Context) (gateway.ModelsResponse, error)

func localModels(reg *registry.Registry) modelLister {
	return func(context.Context) (gateway.ModelsResponse, error) {
		res := gateway.ModelsResponse{Models: reg.Public()}
		if id, ok := reg.DefaultModelID(); ok {
			res.DefaultModelID = &id
		}
		return res, nil
	}
}

func printModels(w io.Writer, res gateway.ModelsResponse, selected string) {
	if len(res.Models) == 0 {
		fmt.Fprintln(w, "no models configured")
		return
	}
	def := res.DefaultID()
	for _, m := range res.Models {
		mark := " "
		switch {
		case selected != "" && m.ID == selected:
			mark = "*"
		case selected == "" && m.ID == def:
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-24s %-8s %s\n", mark, m.ID, m.Provider, m.Label)
	}
}

// readLines feeds r line by line until EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

type replOptions struct {
	Orchestrator *orchestrator.Orchestrator
	// Store holds the stick-to-bottom preference. Optional.
	Store  *sessionstore.Store
	Out    io.Writer
	Models modelLister
	// Interactive prints a prompt before every line.
	Interactive bool
	ReadFile    func(string) ([]byte, error)
}

type repl struct {
	o           *orchestrator.Orchestrator
	store       *sessionstore.Store
	out         io.Writer
	models      modelLister
	interactive bool
	readFile    func(string) ([]byte, error)

	attachments []chat.Part
}

func newREPL(opts replOptions) *repl {
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	return &repl{
		o:           opts.Orchestrator,
		store:       opts.Store,
		out:         opts.Out,
		models:      opts.Models,
		interactive: opts.Interactive,
		readFile:    readFile,
	}
}

const replHelp = `Commands:
  /new               start a new session
  /list              list sessions (most recent first)
  /switch <n|id>     activate a session
  /delete [n|id]     delete a session (default: the active one)
  /history           print the active session
  /stick [on|off]    print the whole session after /switch (default on)
  /retry             regenerate the last reply
  /models            list models
  /model <id>        select a model
  /image <path>      attach an image to the next message
  /quit              leave
Anything else is sent as a message. Ctrl+C stops a reply in progress.
`

func (r *repl) prompt() {
	if r.interactive {
		fmt.Fprint(r.out, "> ")
	}
}

// run handles lines until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	snap := r.o.Snapshot()
	fmt.Fprintf(r.out, "session: %s (%d messages)\n", sessionTitle(snap), len(snap.Messages))
	for {
		r.prompt()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func sessionTitle(snap orchestrator.Snapshot) string {
	for _, s := range snap.Sessions {
		if s.ID == snap.ActiveID {
			return s.Title
		}
	}
	return snap.ActiveID
}

func (r *repl) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if !strings.HasPrefix(trimmed, "/") {
		r.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprint(r.out, replHelp)
	case "/new":
		s := r.o.CreateNew(ctx)
		r.attachments = nil
		fmt.Fprintf(r.out, "new session %s\n", s.ID)
	case "/list":
		r.list()
	case "/switch":
		id, ok := r.sessionRef(arg)
		if !ok {
			fmt.Fprintf(r.out, "unknown session %q\n", arg)
			return false
		}
		if err := r.o.SwitchTo(ctx, id); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		r.attachments = nil
		if r.stickToBottom(ctx) {
			r.history()
		} else {
			snap := r.o.Snapshot()
			fmt.Fprintf(r.out, "session: %s (%d messages)\n", sessionTitle(snap), len(snap.Messages))
		}
	case "/delete":
		id := r.o.Snapshot().ActiveID
		if arg != "" {
			var ok bool
			if id, ok = r.sessionRef(arg); !ok {
				fmt.Fprintf(r.out, "unknown session %q\n", arg)
				return false
			}
		}
		if err := r.o.Delete(ctx, id); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "deleted %s\n", id)
	case "/history":
		r.history()
	case "/stick":
		r.stick(ctx, arg)
	case "/retry":
		r.report(r.o.Retry(ctx))
	case "/models":
		res, err := r.models(ctx)
		if err != nil {
			fmt.Fprintf(r.out, "error: %s\n", chat.PublicMessage(err))
			return false
		}
		printModels(r.out, res, r.o.Snapshot().ModelID)
	case "/model":
		r.o.SetModelID(ctx, arg)
		if arg == "" {
			fmt.Fprintln(r.out, "using the default model")
		} else {
			fmt.Fprintf(r.out, "model: %s\n", arg)
		}
	case "/image":
		part, err := r.loadImage(arg)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		r.attachments = append(r.attachments, part)
		fmt.Fprintf(r.out, "attached %s (%d bytes)\n", part.Image.Name, part.Image.Size)
	default:
		fmt.Fprintf(r.out, "unknown command %s; /help lists commands\n", cmd)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	parts := []chat.Part{chat.TextPart(text)}
	parts = append(parts, r.attachments...)
	r.attachments = nil
	r.report(r.o.Send(ctx, parts))
}

func (r *repl) report(err error) {
	fmt.Fprintln(r.out)
	if err == nil || chat.IsCanceled(err) {
		return
	}
	if errors.Is(err, orchestrator.ErrBusy) {
		fmt.Fprintln(r.out, "busy: a reply is still streaming")
		return
	}
	fmt.Fprintf(r.out, "error: %s (/retry to try again)\n", chat.PublicMessage(err))
}

func (r *repl) stickToBottom(ctx context.Context) bool {
	if r.store == nil {
		return true
	}
	return r.store.StickToBottom(ctx)
}

func (r *repl) stick(ctx context.Context, arg string) {
	switch arg {
	case "":
	case "on", "off":
		if r.store == nil {
			fmt.Fprintln(r.out, "error: no session store")
			return
		}
		r.store.SetStickToBottom(ctx, arg == "on")
	default:
		fmt.Fprintln(r.out, "usage: /stick [on|off]")
		return
	}
	state := "off"
	if r.stickToBottom(ctx) {
		state = "on"
	}
	fmt.Fprintf(r.out, "stick to bottom: %s\n", state)
}

func (r *repl) list() {
	snap := r.o.Snapshot()
	for i, s := range snap.Sessions {
		mark := " "
		if s.ID == snap.ActiveID {
			mark = "*"
		}
		fmt.Fprintf(r.out, "%s %2d  %-34s %3d msgs  %s\n", mark, i+1, s.Title, len(s.Messages), s.ID)
	}
}

func (r *repl) history() {
	snap := r.o.Snapshot()
	fmt.Fprintf(r.out, "session: %s\n", sessionTitle(snap))
	for _, m := range snap.Messages {
		images := 0
		for _, p := range m.Parts {
			if p.Image != nil {
				images++
			}
		}
		fmt.Fprintf(r.out, "[%s] %s", m.Role, m.JoinText())
		if images > 0 {
			fmt.Fprintf(r.out, " (+%d image)", images)
		}
		fmt.Fprintln(r.out)
	}
}

// sessionRef resolves a 1-based index from /list or a session id.
func (r *repl) sessionRef(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	sessions := r.o.Snapshot().Sessions
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			return "", false
		}
		return sessions[n-1].ID, true
	}
	for _, s := range sessions {
		if s.ID == arg {
			return s.ID, true
		}
	}
	return "", false
}

func (r *repl) loadImage(path string) (chat.Part, error) {
	if path == "" {
		return chat.Part{}, errors.New("usage: /image <path>")
	}
	b, err := r.readFile(path)
	if err != nil {
		return chat.Part{}, err
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(b)
	}
	mt, _, _ := strings.Cut(mimeType, ";")
	if !strings.HasPrefix(mt, "image/") {
		return chat.Part{}, fmt.Errorf("%s is not an image (%s)", path, mimeType)
	}
	mimeType = strings.TrimSpace(mt)
	uri := chat.DataURI{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(b)}
	return chat.Part{Image: &chat.Image{
		URL:  uri.String(),
		Name: filepath.Base(path),
		Size: int64(len(b)),
		Type: mimeType,
	}}, nil
}
