// Package browser provides the browser tool: an allow-listed set of page
// commands driven through the Chrome DevTools Protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/chromedp"

	"github.com/felixgeelhaar/planloop/domain/pack"
	"github.com/felixgeelhaar/planloop/domain/tool"
)

// ToolName is the name the model uses to drive the browser.
const ToolName = "browser"

// MaxOutputChars caps stdout and stderr of a browser command.
const MaxOutputChars = 4000

// Browser errors.
var (
	// ErrUnsupportedCommand indicates a command outside the allow-list.
	ErrUnsupportedCommand = errors.New("unsupported browser command")

	// ErrMissingArgument indicates a command was called without its required arguments.
	ErrMissingArgument = errors.New("missing argument")
)

// Config holds browser pack configuration.
type Config struct {
	// Headless runs browser in headless mode (default: true)
	Headless bool
	// Timeout bounds a single command (default: 30s)
	Timeout time.Duration
	// UserAgent is the custom user agent string
	UserAgent string
	// WindowWidth is the browser window width
	WindowWidth int
	// WindowHeight is the browser window height
	WindowHeight int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Headless:     true,
		Timeout:      30 * time.Second,
		WindowWidth:  1280,
		WindowHeight: 800,
	}
}

// Output is the JSON payload returned by the browser tool.
type Output struct {
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

type command struct {
	args  int
	usage string
	run   func(ctx context.Context, args []string, out *Output) error
}

// session owns one lazily started browser tab shared by every command.
type session struct {
	cfg      Config
	commands map[string]command

	mu     sync.Mutex
	tab    context.Context
	cancel context.CancelFunc
}

// New creates the browser pack. The browser starts on the first command
// and is shut down by the pack's Close.
func New(cfg Config) *pack.Pack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1280, 800
	}
	s := newSession(cfg)

	return pack.NewBuilder("browser").
		WithDescription("Browser automation through an allow-listed command set").
		AddTools(s.tool()).
		OnClose(s.close).
		Build()
}

// AllowedCommands returns the supported command names in sorted order.
func AllowedCommands() []string {
	names := make([]string, 0, 21)
	for name := range newSession(DefaultConfig()).commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func newSession(cfg Config) *session {
	s := &session{cfg: cfg}
	s.commands = map[string]command{
		"open":           {1, "open <url>", s.open},
		"snapshot":       {0, "snapshot", s.snapshot},
		"click":          {1, "click <selector>", actionOn(chromedp.Click)},
		"dblclick":       {1, "dblclick <selector>", actionOn(chromedp.DoubleClick)},
		"focus":          {1, "focus <selector>", actionOn(chromedp.Focus)},
		"scrollintoview": {1, "scrollintoview <selector>", actionOn(chromedp.ScrollIntoView)},
		"hover":          {1, "hover <selector>", s.hover},
		"type":           {2, "type <selector> <text>", s.typeText},
		"fill":           {2, "fill <selector> <text>", s.fill},
		"select":         {2, "select <selector> <value>", s.fill},
		"press":          {1, "press <key>", s.press},
		"check":          {1, "check <selector>", s.setChecked(true)},
		"uncheck":        {1, "uncheck <selector>", s.setChecked(false)},
		"scroll":         {0, "scroll [up|down|left|right] [pixels]", s.scroll},
		"get":            {1, "get <text|html|value|attr|title|url> [selector] [attribute]", s.get},
		"wait":           {1, "wait <selector|milliseconds>", s.wait},
		"back":           {0, "back", simple(chromedp.NavigateBack())},
		"forward":        {0, "forward", simple(chromedp.NavigateForward())},
		"reload":         {0, "reload", simple(chromedp.Reload())},
		"screenshot":     {0, "screenshot [path]", s.screenshot},
		"close":          {0, "close", nil},
	}
	return s
}

type browserInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

var browserSchema = tool.ObjectSchema(map[string]json.RawMessage{
	"command": json.RawMessage(`{"type":"string","description":"Browser command, e.g. open, snapshot, click"}`),
	"args":    json.RawMessage(`{"type":"array","items":{"type":"string"},"description":"Arguments for the command"}`),
}, []string{"command"})

func (s *session) tool() tool.Tool {
	return tool.NewBuilder(ToolName).
		WithDescription("Drive a headless browser. Prefer snapshot, then act on CSS selectors. Commands: " +
			strings.Join(AllowedCommands(), ", ")).
		WithInputSchema(browserSchema).
		WithRiskLevel(tool.RiskMedium).
		WithHandler(func(ctx context.Context, input json.RawMessage) (tool.Result, error) {
			var in browserInput
			if err := json.Unmarshal(input, &in); err != nil {
				return tool.Result{}, fmt.Errorf("%w: %v", tool.ErrInvalidInput, err)
			}
			out, err := s.execute(ctx, in.Command, in.Args)
			data, _ := json.Marshal(out)
			return tool.Result{Output: data, Error: err}, nil
		}).
		MustBuild()
}

// execute validates and runs one command. The returned error mirrors
// Output.Error and is nil exactly when Output.OK is true.
func (s *session) execute(ctx context.Context, name string, args []string) (Output, error) {
	cmd, ok := s.commands[name]
	if !ok {
		msg := "Unsupported command: " + name
		return Output{OK: false, ExitCode: 1, Error: msg}, fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
	}
	if len(args) < cmd.args {
		err := fmt.Errorf("%w: usage: %s", ErrMissingArgument, cmd.usage)
		return Output{OK: false, ExitCode: 1, Error: err.Error()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.run == nil {
		s.closeLocked()
		return Output{OK: true, Stdout: "browser closed"}, nil
	}

	runCtx, cancel := context.WithTimeout(s.tabLocked(), s.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	out := Output{OK: true}
	if err := cmd.run(runCtx, args, &out); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Output{
			OK:       false,
			ExitCode: 1,
			Stdout:   truncate(out.Stdout),
			Error:    truncate(err.Error()),
		}, err
	}
	out.Stdout = truncate(strings.TrimSpace(out.Stdout))
	out.Stderr = truncate(strings.TrimSpace(out.Stderr))
	return out, nil
}

// tabLocked returns the shared tab, starting a browser if none is running.
func (s *session) tabLocked() context.Context {
	if s.tab != nil && s.tab.Err() == nil {
		return s.tab
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.WindowSize(s.cfg.WindowWidth, s.cfg.WindowHeight),
	}
	if s.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s.tab = tabCtx
	s.cancel = func() {
		tabCancel()
		allocCancel()
	}
	return s.tab
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *session) closeLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.tab, s.cancel = nil, nil
}

func (s *session) open(ctx context.Context, args []string, out *Output) error {
	var url, title string
	err := chromedp.Run(ctx,
		chromedp.Navigate(args[0]),
		chromedp.WaitReady("body"),
		chromedp.Location(&url),
		chromedp.Title(&title),
	)
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	out.Stdout = url
	out.Data = map[string]string{"url": url, "title": title}
	return nil
}

func (s *session) snapshot(ctx context.Context, _ []string, out *Output) error {
	var url, title, text string
	err := chromedp.Run(ctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	text = truncate(strings.TrimSpace(text))
	out.Stdout = text
	out.Data = map[string]string{"url": url, "title": title, "text": text}
	return nil
}

func (s *session) hover(ctx context.Context, args []string, out *Output) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		for (const type of ["mouseenter", "mouseover"]) {
			el.dispatchEvent(new MouseEvent(type, {bubbles: true, cancelable: true, view: window}));
		}
		return true;
	})()`, jsString(args[0]))
	return s.evalFound(ctx, script, args[0], out)
}

func (s *session) setChecked(checked bool) func(context.Context, []string, *Output) error {
	return func(ctx context.Context, args []string, out *Output) error {
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			if (el.checked !== %t) el.click();
			return true;
		})()`, jsString(args[0]), checked)
		return s.evalFound(ctx, script, args[0], out)
	}
}

func (s *session) evalFound(ctx context.Context, script, selector string, out *Output) error {
	var found bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no element matches %q", selector)
	}
	out.Stdout = selector
	return nil
}

func (s *session) typeText(ctx context.Context, args []string, out *Output) error {
	text := strings.Join(args[1:], " ")
	if err := chromedp.Run(ctx, chromedp.SendKeys(args[0], text, chromedp.ByQuery)); err != nil {
		return err
	}
	out.Stdout = args[0]
	return nil
}

func (s *session) fill(ctx context.Context, args []string, out *Output) error {
	value := strings.Join(args[1:], " ")
	if err := chromedp.Run(ctx, chromedp.SetValue(args[0], value, chromedp.ByQuery)); err != nil {
		return err
	}
	out.Stdout = args[0]
	return nil
}

func (s *session) press(ctx context.Context, args []string, out *Output) error {
	if err := chromedp.Run(ctx, chromedp.KeyEvent(keyFor(args[0]))); err != nil {
		return err
	}
	out.Stdout = args[0]
	return nil
}

func (s *session) scroll(ctx context.Context, args []string, out *Output) error {
	dx, dy, err := scrollDelta(args)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`window.scrollBy(%d, %d)`, dx, dy)
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	out.Data = map[string]int{"x": dx, "y": dy}
	return nil
}

func (s *session) get(ctx context.Context, args []string, out *Output) error {
	what := args[0]
	needSelector := what != "title" && what != "url"
	if needSelector && len(args) < 2 {
		return fmt.Errorf("%w: usage: get %s <selector>", ErrMissingArgument, what)
	}

	var value string
	var action chromedp.Action
	switch what {
	case "title":
		action = chromedp.Title(&value)
	case "url":
		action = chromedp.Location(&value)
	case "text":
		action = chromedp.Text(args[1], &value, chromedp.ByQuery)
	case "html":
		action = chromedp.OuterHTML(args[1], &value, chromedp.ByQuery)
	case "value":
		action = chromedp.Value(args[1], &value, chromedp.ByQuery)
	case "attr":
		if len(args) < 3 {
			return fmt.Errorf("%w: usage: get attr <selector> <attribute>", ErrMissingArgument)
		}
		var ok bool
		if err := chromedp.Run(ctx, chromedp.AttributeValue(args[1], args[2], &value, &ok, chromedp.ByQuery)); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("attribute %q not set", args[2])
		}
	default:
		return fmt.Errorf("%w: get %s", ErrUnsupportedCommand, what)
	}
	if action != nil {
		if err := chromedp.Run(ctx, action); err != nil {
			return err
		}
	}
	out.Stdout = value
	out.Data = map[string]string{"what": what, "value": truncate(value)}
	return nil
}

func (s *session) wait(ctx context.Context, args []string, out *Output) error {
	if ms, err := strconv.Atoi(args[0]); err == nil {
		if err := chromedp.Run(ctx, chromedp.Sleep(time.Duration(ms)*time.Millisecond)); err != nil {
			return err
		}
		out.Stdout = args[0] + "ms"
		return nil
	}
	if err := chromedp.Run(ctx, chromedp.WaitVisible(args[0], chromedp.ByQuery)); err != nil {
		return err
	}
	out.Stdout = args[0]
	return nil
}

func (s *session) screenshot(ctx context.Context, args []string, out *Output) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	data := map[string]any{"bytes": len(buf)}
	if len(args) > 0 {
		if err := os.WriteFile(args[0], buf, 0o644); err != nil {
			return fmt.Errorf("save screenshot: %w", err)
		}
		data["path"] = args[0]
		out.Stdout = args[0]
	} else {
		out.Stdout = fmt.Sprintf("captured %d bytes", len(buf))
	}
	out.Data = data
	return nil
}

func actionOn(fn func(sel any, opts ...chromedp.QueryOption) chromedp.QueryAction) func(context.Context, []string, *Output) error {
	return func(ctx context.Context, args []string, out *Output) error {
		if err := chromedp.Run(ctx, fn(args[0], chromedp.ByQuery)); err != nil {
			return err
		}
		out.Stdout = args[0]
		return nil
	}
}

func simple(action chromedp.Action) func(context.Context, []string, *Output) error {
	return func(ctx context.Context, _ []string, out *Output) error {
		var url string
		if err := chromedp.Run(ctx, action, chromedp.Location(&url)); err != nil {
			return err
		}
		out.Stdout = url
		return nil
	}
}

// scrollDelta parses "scroll [direction] [pixels]" into window offsets.
func scrollDelta(args []string) (int, int, error) {
	dir, amount := "down", 500
	if len(args) > 0 {
		dir = strings.ToLower(args[0])
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid scroll amount %q", args[1])
		}
		amount = n
	}
	switch dir {
	case "down":
		return 0, amount, nil
	case "up":
		return 0, -amount, nil
	case "right":
		return amount, 0, nil
	case "left":
		return -amount, 0, nil
	default:
		return 0, 0, fmt.Errorf("invalid scroll direction %q", dir)
	}
}

var namedKeys = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"escape":    "\u001b",
	"backspace": "\b",
	"delete":    "\u007f",
	"space":     " ",
}

func keyFor(name string) string {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k
	}
	return name
}

// truncate caps s at MaxOutputChars characters.
func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxOutputChars {
		return s
	}
	return string([]rune(s)[:MaxOutputChars]) + "... [truncated]"
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
