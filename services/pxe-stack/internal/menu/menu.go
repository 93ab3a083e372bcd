// Package menu turns a static boot menu document into a pxelinux
// configuration file.
package menu

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"pxewatch/pkg/render"
)

const templateName = "pxelinux.cfg.tmpl"

// Document is the operator-maintained menu definition.
type Document struct {
	Default string  `yaml:"default"`
	Timeout int     `yaml:"timeout"`
	Prompt  bool    `yaml:"prompt"`
	UI      string  `yaml:"ui"`
	Title   string  `yaml:"title"`
	Entries []Entry `yaml:"entries"`
}

type Entry struct {
	Name      string `yaml:"name"`
	Label     string `yaml:"label"`
	Kernel    string `yaml:"kernel"`
	Initrd    string `yaml:"initrd"`
	Append    string `yaml:"append"`
	LocalBoot bool   `yaml:"localboot"`
}

// EntryError reports a menu entry that was left out of the output.
type EntryError struct {
	Index int
	Name  string
	Err   error
}

func (e *EntryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("entry %d (%s): %v", e.Index, e.Name, e.Err)
	}
	return fmt.Sprintf("entry %d: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

var (
	ErrMissingName   = errors.New("name is required")
	ErrMissingLabel  = errors.New("label is required")
	ErrMissingKernel = errors.New("kernel is required unless localboot is set")
	ErrDuplicateName = errors.New("duplicate name")
	ErrNoEntries     = errors.New("menu has no usable entries")
)

// Load reads and parses a YAML menu document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read menu %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse menu: %w", err)
	}
	return doc, nil
}

// Generator renders menu documents with the embedded pxelinux template.
type Generator struct {
	engine *render.Engine
}

func NewGenerator() (*Generator, error) {
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	return &Generator{engine: engine}, nil
}

// Generate renders doc. Invalid entries are skipped and returned as
// *EntryError values; the remaining entries are still rendered. err is only
// set when nothing usable could be produced.
func (g *Generator) Generate(doc Document) (out []byte, skipped []error, err error) {
	valid := make([]Entry, 0, len(doc.Entries))
	seen := make(map[string]struct{}, len(doc.Entries))
	for i, e := range doc.Entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Label = strings.TrimSpace(e.Label)
		if verr := validate(e, seen); verr != nil {
			skipped = append(skipped, &EntryError{Index: i, Name: e.Name, Err: verr})
			continue
		}
		seen[e.Name] = struct{}{}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return nil, skipped, ErrNoEntries
	}

	if _, ok := seen[doc.Default]; !ok {
		if doc.Default != "" {
			skipped = append(skipped, fmt.Errorf("default %q is not a usable entry, using %q", doc.Default, valid[0].Name))
		}
		doc.Default = valid[0].Name
	}
	if doc.Timeout < 0 {
		doc.Timeout = 0
	}
	doc.Entries = valid

	text, err := g.engine.Render(templateName, doc)
	if err != nil {
		return nil, skipped, err
	}
	return []byte(text), skipped, nil
}

func validate(e Entry, seen map[string]struct{}) error {
	switch {
	case e.Name == "":
		return ErrMissingName
	case e.Label == "":
		return ErrMissingLabel
	case !e.LocalBoot && strings.TrimSpace(e.Kernel) == "":
		return ErrMissingKernel
	}
	if _, dup := seen[e.Name]; dup {
		return ErrDuplicateName
	}
	return nil
}

// Holder keeps the most recently generated menu for concurrent readers.
type Holder struct {
	mu   sync.RWMutex
	text []byte
}

func (h *Holder) Set(text []byte) {
	dup := append([]byte(nil), text...)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text = dup
}

// Menu returns the current menu text and whether one has been generated.
func (h *Holder) Menu() ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.text) == 0 {
		return nil, false
	}
	return append([]byte(nil), h.text...), true
}
