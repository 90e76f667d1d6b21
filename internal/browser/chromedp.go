// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/tombee/magnet/pkg/llm"
)

// ChromeSandbox runs a headless Chrome instance via the DevTools protocol.
type ChromeSandbox struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	taskCtx     context.Context
	taskCancel  context.CancelFunc
}

var _ Sandbox = (*ChromeSandbox)(nil)

// NewChromeSandbox creates an uninitialized sandbox.
func NewChromeSandbox() *ChromeSandbox {
	return &ChromeSandbox{}
}

// Initialize launches headless Chrome with the requested viewport.
func (s *ChromeSandbox) Initialize(ctx context.Context, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(width, height),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	// Force the browser to actually start so init failures surface here
	// instead of on the first action.
	if err := chromedp.Run(taskCtx); err != nil {
		taskCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	s.allocCancel = allocCancel
	s.taskCtx = taskCtx
	s.taskCancel = taskCancel
	return nil
}

// Execute performs one computer action against the page.
func (s *ChromeSandbox) Execute(ctx context.Context, action llm.ComputerAction) error {
	taskCtx, err := s.context()
	if err != nil {
		return err
	}

	switch action.Type {
	case "click":
		return chromedp.Run(taskCtx, chromedp.MouseClickXY(float64(action.X), float64(action.Y), mouseButton(action.Button)))

	case "double_click":
		return chromedp.Run(taskCtx, chromedp.MouseClickXY(float64(action.X), float64(action.Y), chromedp.ClickCount(2)))

	case "hover":
		return chromedp.Run(taskCtx, chromedp.ActionFunc(func(c context.Context) error {
			return input.DispatchMouseEvent(input.MouseMoved, float64(action.X), float64(action.Y)).Do(c)
		}))

	case "drag":
		if len(action.Path) < 2 {
			return fmt.Errorf("drag action needs at least two path points")
		}
		return chromedp.Run(taskCtx, chromedp.ActionFunc(func(c context.Context) error {
			return s.drag(c, action.Path)
		}))

	case "type":
		return chromedp.Run(taskCtx, chromedp.KeyEvent(action.Text))

	case "keypress":
		return chromedp.Run(taskCtx, keypressActions(action.Keys)...)

	case "scroll":
		script := fmt.Sprintf("window.scrollBy(%d, %d)", action.ScrollX, action.ScrollY)
		return chromedp.Run(taskCtx,
			chromedp.ActionFunc(func(c context.Context) error {
				return input.DispatchMouseEvent(input.MouseMoved, float64(action.X), float64(action.Y)).Do(c)
			}),
			chromedp.Evaluate(script, nil),
		)

	case "navigate":
		return chromedp.Run(taskCtx, chromedp.Navigate(NormalizeURL(action.URL)))

	case "wait", "screenshot":
		return nil

	default:
		return fmt.Errorf("unsupported computer action %q", action.Type)
	}
}

func (s *ChromeSandbox) drag(ctx context.Context, path []llm.Point) error {
	start, end := path[0], path[len(path)-1]
	press := input.DispatchMouseEvent(input.MousePressed, float64(start.X), float64(start.Y)).
		WithButton(input.Left).WithClickCount(1)
	if err := press.Do(ctx); err != nil {
		return err
	}
	for _, p := range path[1:] {
		move := input.DispatchMouseEvent(input.MouseMoved, float64(p.X), float64(p.Y)).
			WithButton(input.Left)
		if err := move.Do(ctx); err != nil {
			return err
		}
	}
	release := input.DispatchMouseEvent(input.MouseReleased, float64(end.X), float64(end.Y)).
		WithButton(input.Left).WithClickCount(1)
	return release.Do(ctx)
}

// CaptureScreenshot returns the viewport as PNG bytes.
func (s *ChromeSandbox) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	taskCtx, err := s.context()
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := chromedp.Run(taskCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// CurrentURL reports the page location.
func (s *ChromeSandbox) CurrentURL(ctx context.Context) (string, error) {
	taskCtx, err := s.context()
	if err != nil {
		return "", err
	}
	var url string
	if err := chromedp.Run(taskCtx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Cleanup tears the browser down.
func (s *ChromeSandbox) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskCancel != nil {
		s.taskCancel()
		s.taskCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.taskCtx = nil
}

func (s *ChromeSandbox) context() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskCtx == nil {
		return nil, fmt.Errorf("browser sandbox is not initialized")
	}
	return s.taskCtx, nil
}

func mouseButton(name string) chromedp.MouseOption {
	switch strings.ToLower(name) {
	case "right":
		return chromedp.ButtonRight
	case "middle", "wheel":
		return chromedp.ButtonMiddle
	default:
		return chromedp.ButtonLeft
	}
}

// keyAliases maps the provider's key names onto DevTools key identifiers.
var keyAliases = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"space":      " ",
	"up":         kb.ArrowUp,
	"arrowup":    kb.ArrowUp,
	"down":       kb.ArrowDown,
	"arrowdown":  kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"arrowleft":  kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

func keypressActions(keys []string) []chromedp.Action {
	var actions []chromedp.Action
	for _, key := range keys {
		resolved, ok := keyAliases[strings.ToLower(key)]
		if !ok {
			resolved = key
		}
		actions = append(actions, chromedp.KeyEvent(resolved))
	}
	return actions
}

// NormalizeURL completes scheme-less hosts so navigate actions always get an
// absolute URL.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "about:") {
		return raw
	}
	return "https://" + raw
}
