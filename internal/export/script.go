package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// maxWait caps the pause emitted between two steps.
const maxWait = 5000

// scriptFormat renders a recording as a JavaScript test script. The three
// browser frameworks differ only in their framing and per-action statements.
type scriptFormat struct {
	id     string
	indent string
	header func(rec *domain.Recording) []string
	footer []string
	wait   func(ms int64) string
	step   func(a domain.Action) []string
}

func (f *scriptFormat) ID() string        { return f.id }
func (f *scriptFormat) Extension() string { return ".js" }

func (f *scriptFormat) Render(rec *domain.Recording) (string, error) {
	var b strings.Builder
	for _, line := range f.header(rec) {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var prev int64
	for i, ra := range rec.Actions {
		if ra.Action == nil {
			continue
		}
		if i > 0 {
			if gap := ra.Timestamp - prev; gap > 0 {
				if gap > maxWait {
					gap = maxWait
				}
				b.WriteString(f.indent + f.wait(gap) + "\n")
			}
		}
		prev = ra.Timestamp
		for _, line := range f.step(ra.Action) {
			b.WriteString(f.indent + line + "\n")
		}
	}

	for _, line := range f.footer {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// --- Playwright ---

func newPlaywright() *scriptFormat {
	return &scriptFormat{
		id:     "playwright",
		indent: "  ",
		header: func(rec *domain.Recording) []string {
			lines := []string{
				"import { test } from '@playwright/test';",
				"",
				fmt.Sprintf("test(%s, async ({ page }) => {", jsString(rec.Name)),
			}
			if rec.StartURL != "" {
				lines = append(lines, fmt.Sprintf("  await page.goto(%s);", jsString(rec.StartURL)))
			}
			return lines
		},
		footer: []string{"});"},
		wait: func(ms int64) string {
			return fmt.Sprintf("await page.waitForTimeout(%d);", ms)
		},
		step: playwrightStep,
	}
}

func playwrightStep(a domain.Action) []string {
	switch v := a.(type) {
	case domain.Click:
		opts := buttonOption(v.Button)
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.click(%s%s);", jsString(v.Selector), opts)}
		}
		return []string{fmt.Sprintf("await page.mouse.click(%d, %d%s);", v.X, v.Y, opts)}
	case domain.TypeText:
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.fill(%s, %s);", jsString(v.Selector), jsString(v.Text))}
		}
		return []string{fmt.Sprintf("await page.keyboard.type(%s);", jsString(v.Text))}
	case domain.Scroll:
		var lines []string
		if v.X != 0 || v.Y != 0 {
			lines = append(lines, fmt.Sprintf("await page.mouse.move(%d, %d);", v.X, v.Y))
		}
		return append(lines, fmt.Sprintf("await page.mouse.wheel(%d, %d);", v.DeltaX, v.DeltaY))
	case domain.Navigate:
		return []string{fmt.Sprintf("await page.goto(%s);", jsString(v.URL))}
	case domain.Press:
		return []string{fmt.Sprintf("await page.keyboard.press(%s);", jsString(chord(v)))}
	case domain.Hover:
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.hover(%s);", jsString(v.Selector))}
		}
		return []string{fmt.Sprintf("await page.mouse.move(%d, %d);", v.X, v.Y)}
	case domain.Back:
		return []string{"await page.goBack();"}
	case domain.Forward:
		return []string{"await page.goForward();"}
	case domain.Reload:
		return []string{"await page.reload();"}
	}
	return []string{fmt.Sprintf("// unsupported action: %s", a.Kind())}
}

// --- Puppeteer ---

func newPuppeteer() *scriptFormat {
	return &scriptFormat{
		id:     "puppeteer",
		indent: "  ",
		header: func(rec *domain.Recording) []string {
			lines := []string{
				"const puppeteer = require('puppeteer');",
				"",
				fmt.Sprintf("// %s", strings.ReplaceAll(rec.Name, "\n", " ")),
				"(async () => {",
				"  const browser = await puppeteer.launch({ headless: false });",
				"  const page = await browser.newPage();",
			}
			if rec.StartURL != "" {
				lines = append(lines, fmt.Sprintf("  await page.goto(%s);", jsString(rec.StartURL)))
			}
			return lines
		},
		footer: []string{"  await browser.close();", "})();"},
		wait: func(ms int64) string {
			return fmt.Sprintf("await new Promise((r) => setTimeout(r, %d));", ms)
		},
		step: puppeteerStep,
	}
}

func puppeteerStep(a domain.Action) []string {
	switch v := a.(type) {
	case domain.Click:
		opts := buttonOption(v.Button)
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.click(%s%s);", jsString(v.Selector), opts)}
		}
		return []string{fmt.Sprintf("await page.mouse.click(%d, %d%s);", v.X, v.Y, opts)}
	case domain.TypeText:
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.type(%s, %s);", jsString(v.Selector), jsString(v.Text))}
		}
		return []string{fmt.Sprintf("await page.keyboard.type(%s);", jsString(v.Text))}
	case domain.Scroll:
		var lines []string
		if v.X != 0 || v.Y != 0 {
			lines = append(lines, fmt.Sprintf("await page.mouse.move(%d, %d);", v.X, v.Y))
		}
		return append(lines, fmt.Sprintf("await page.mouse.wheel({ deltaX: %d, deltaY: %d });", v.DeltaX, v.DeltaY))
	case domain.Navigate:
		return []string{fmt.Sprintf("await page.goto(%s);", jsString(v.URL))}
	case domain.Press:
		var lines []string
		for _, m := range v.Modifiers {
			lines = append(lines, fmt.Sprintf("await page.keyboard.down(%s);", jsString(modifierName(m))))
		}
		lines = append(lines, fmt.Sprintf("await page.keyboard.press(%s);", jsString(v.Key)))
		for i := len(v.Modifiers) - 1; i >= 0; i-- {
			lines = append(lines, fmt.Sprintf("await page.keyboard.up(%s);", jsString(modifierName(v.Modifiers[i]))))
		}
		return lines
	case domain.Hover:
		if v.Selector != "" {
			return []string{fmt.Sprintf("await page.hover(%s);", jsString(v.Selector))}
		}
		return []string{fmt.Sprintf("await page.mouse.move(%d, %d);", v.X, v.Y)}
	case domain.Back:
		return []string{"await page.goBack();"}
	case domain.Forward:
		return []string{"await page.goForward();"}
	case domain.Reload:
		return []string{"await page.reload();"}
	}
	return []string{fmt.Sprintf("// unsupported action: %s", a.Kind())}
}

// --- Cypress ---

func newCypress() *scriptFormat {
	return &scriptFormat{
		id:     "cypress",
		indent: "    ",
		header: func(rec *domain.Recording) []string {
			lines := []string{
				fmt.Sprintf("describe(%s, () => {", jsString(rec.Name)),
				"  it('replays the recorded session', () => {",
			}
			if rec.StartURL != "" {
				lines = append(lines, fmt.Sprintf("    cy.visit(%s);", jsString(rec.StartURL)))
			}
			return lines
		},
		footer: []string{"  });", "});"},
		wait: func(ms int64) string {
			return fmt.Sprintf("cy.wait(%d);", ms)
		},
		step: cypressStep,
	}
}

func cypressStep(a domain.Action) []string {
	switch v := a.(type) {
	case domain.Click:
		method := "click"
		if v.Button == "right" {
			method = "rightclick"
		}
		if v.Selector != "" {
			return []string{fmt.Sprintf("cy.get(%s).%s();", jsString(v.Selector), method)}
		}
		return []string{fmt.Sprintf("cy.get('body').%s(%d, %d);", method, v.X, v.Y)}
	case domain.TypeText:
		text := cypressEscape(v.Text)
		if v.Selector != "" {
			return []string{fmt.Sprintf("cy.get(%s).type(%s);", jsString(v.Selector), jsString(text))}
		}
		return []string{fmt.Sprintf("cy.focused().type(%s);", jsString(text))}
	case domain.Scroll:
		return []string{fmt.Sprintf("cy.window().then((win) => win.scrollBy(%d, %d));", v.DeltaX, v.DeltaY)}
	case domain.Navigate:
		return []string{fmt.Sprintf("cy.visit(%s);", jsString(v.URL))}
	case domain.Press:
		var seq strings.Builder
		for _, m := range v.Modifiers {
			seq.WriteString("{" + strings.ToLower(modifierName(m)) + "}")
		}
		seq.WriteString(cypressKey(v.Key))
		return []string{fmt.Sprintf("cy.focused().type(%s);", jsString(seq.String()))}
	case domain.Hover:
		if v.Selector != "" {
			return []string{fmt.Sprintf("cy.get(%s).trigger('mouseover');", jsString(v.Selector))}
		}
		return []string{fmt.Sprintf("cy.get('body').trigger('mousemove', %d, %d);", v.X, v.Y)}
	case domain.Back:
		return []string{"cy.go('back');"}
	case domain.Forward:
		return []string{"cy.go('forward');"}
	case domain.Reload:
		return []string{"cy.reload();"}
	}
	return []string{fmt.Sprintf("// unsupported action: %s", a.Kind())}
}

var cypressKeys = map[string]string{
	"Enter":      "{enter}",
	"Escape":     "{esc}",
	"Backspace":  "{backspace}",
	"Delete":     "{del}",
	"Tab":        "{tab}",
	"ArrowUp":    "{upArrow}",
	"ArrowDown":  "{downArrow}",
	"ArrowLeft":  "{leftArrow}",
	"ArrowRight": "{rightArrow}",
	"Home":       "{home}",
	"End":        "{end}",
	"PageUp":     "{pageUp}",
	"PageDown":   "{pageDown}",
}

func cypressKey(key string) string {
	if k, ok := cypressKeys[key]; ok {
		return k
	}
	return cypressEscape(key)
}

// cypressEscape protects literal braces from cy.type's key syntax.
func cypressEscape(s string) string {
	return strings.ReplaceAll(s, "{", "{{}")
}

// --- helpers ---

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func buttonOption(button string) string {
	if button == "" || button == "left" {
		return ""
	}
	return fmt.Sprintf(", { button: %s }", jsString(button))
}

// chord joins modifiers and key in Playwright's "Shift+Enter" form.
func chord(p domain.Press) string {
	parts := make([]string, 0, len(p.Modifiers)+1)
	for _, m := range p.Modifiers {
		parts = append(parts, modifierName(m))
	}
	return strings.Join(append(parts, p.Key), "+")
}

func modifierName(m string) string {
	switch strings.ToLower(m) {
	case "ctrl", "control":
		return "Control"
	case "cmd", "meta", "command":
		return "Meta"
	case "alt", "option":
		return "Alt"
	case "shift":
		return "Shift"
	}
	return m
}
