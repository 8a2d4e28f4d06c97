// Package sources maintains the prioritized list of remote catalogs a
// target fetches updates from.
package sources

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// FileName is the default source list file name inside a target directory
const FileName = "UpdateSources.xml"

// ChangeKind identifies the mutation carried by a ChangeEvent
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Changed
	Reset
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// ChangeEvent is emitted before and after every mutation. Index is -1 for
// Reset.
type ChangeEvent struct {
	Kind   ChangeKind
	Index  int
	Before bool
	Source models.UpdateSourceInfo
}

// Info is the editable source list of one target
type Info struct {
	mu sync.Mutex

	fileName string
	sources  []models.UpdateSourceInfo
	errType  models.ErrorType
	errText  string
	modified bool

	subMu     sync.Mutex
	observers map[int]func(ChangeEvent)
	nextSub   int
}

// New creates a source list backed by fileName. Nothing is read until
// Refresh.
func New(fileName string) *Info {
	return &Info{
		fileName:  fileName,
		errType:   models.ErrNotYetRead,
		errText:   "UpdateSources.xml not yet read",
		observers: make(map[int]func(ChangeEvent)),
	}
}

// Open creates a source list for fileName and reads it
func Open(fileName string) (*Info, error) {
	info := New(fileName)
	return info, info.Refresh()
}

// Subscribe registers fn for change events and returns a function removing it
func (s *Info) Subscribe(fn func(ChangeEvent)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.observers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Info) notify(ev ChangeEvent) {
	s.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(s.observers))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// mutate runs change under the lock, surrounded by before/after events
func (s *Info) mutate(kind ChangeKind, index int, src models.UpdateSourceInfo, change func()) {
	s.notify(ChangeEvent{Kind: kind, Index: index, Before: true, Source: src})
	s.mu.Lock()
	change()
	s.modified = true
	s.mu.Unlock()
	s.notify(ChangeEvent{Kind: kind, Index: index, Source: src})
}

func (s *Info) FileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName
}

func (s *Info) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errType == models.ErrNone
}

func (s *Info) ErrorType() models.ErrorType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errType
}

func (s *Info) ErrorString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

func (s *Info) IsModified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// Count returns the number of sources
func (s *Info) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// At returns the source at index
func (s *Info) At(index int) models.UpdateSourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.sources) {
		return models.UpdateSourceInfo{}
	}
	return s.sources[index]
}

// Sources returns a copy of the list in order
func (s *Info) Sources() []models.UpdateSourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UpdateSourceInfo(nil), s.sources...)
}

// IndexOf returns the index of the first source equal to src, or -1
func (s *Info) IndexOf(src models.UpdateSourceInfo) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(src)
}

func (s *Info) indexOf(src models.UpdateSourceInfo) int {
	for i := range s.sources {
		if s.sources[i].Equal(src) {
			return i
		}
	}
	return -1
}

// IndexOfName returns the index of the source with the given name, or -1
func (s *Info) IndexOfName(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sources {
		if s.sources[i].Name == name {
			return i
		}
	}
	return -1
}

// Add appends a source
func (s *Info) Add(src models.UpdateSourceInfo) {
	index := s.Count()
	s.mutate(Added, index, src, func() {
		s.sources = append(s.sources, src)
	})
}

// RemoveAt removes the source at index
func (s *Info) RemoveAt(index int) bool {
	s.mu.Lock()
	if index < 0 || index >= len(s.sources) {
		s.mu.Unlock()
		return false
	}
	src := s.sources[index]
	s.mu.Unlock()

	s.mutate(Removed, index, src, func() {
		s.sources = append(s.sources[:index], s.sources[index+1:]...)
	})
	return true
}

// Remove removes the first source equal to src
func (s *Info) Remove(src models.UpdateSourceInfo) bool {
	return s.RemoveAt(s.IndexOf(src))
}

// SetAt replaces the source at index
func (s *Info) SetAt(index int, src models.UpdateSourceInfo) bool {
	s.mu.Lock()
	if index < 0 || index >= len(s.sources) {
		s.mu.Unlock()
		return false
	}
	same := s.sources[index].Equal(src)
	s.mu.Unlock()
	if same {
		return true
	}

	s.mutate(Changed, index, src, func() {
		s.sources[index] = src
	})
	return true
}

// Clear removes every source
func (s *Info) Clear() {
	s.mutate(Reset, -1, models.UpdateSourceInfo{}, func() {
		s.sources = nil
	})
}

// Refresh re-reads the list from disk. A missing file yields an empty list.
func (s *Info) Refresh() error {
	s.notify(ChangeEvent{Kind: Reset, Index: -1, Before: true})
	err := s.refresh()
	s.notify(ChangeEvent{Kind: Reset, Index: -1})
	return err
}

func (s *Info) refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources = nil
	s.modified = false

	data, err := os.ReadFile(s.fileName)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("No source list at %s, starting empty", s.fileName)
		s.setError(models.ErrNone, "")
		return nil
	}
	if err != nil {
		return s.fail(models.ErrCouldNotRead, fmt.Sprintf("Could not read %s: %v", s.fileName, err))
	}

	var doc sourcesDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return s.fail(models.ErrInvalidXML, fmt.Sprintf("Parse error in %s: %v", s.fileName, err))
	}
	if doc.XMLName.Local != "UpdateSources" {
		return s.fail(models.ErrInvalidContent, fmt.Sprintf("Root element %q unexpected, should be \"UpdateSources\"", doc.XMLName.Local))
	}

	list := make([]models.UpdateSourceInfo, 0, len(doc.Sources))
	for i, xs := range doc.Sources {
		src, err := xs.info()
		if err != nil {
			return s.fail(models.ErrInvalidContent, fmt.Sprintf("Invalid source %d in %s: %v", i, s.fileName, err))
		}
		list = append(list, src)
	}

	s.sources = list
	s.setError(models.ErrNone, "")
	return nil
}

// WriteToDisk saves the list and clears the modified flag
func (s *Info) WriteToDisk() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := sourcesDoc{XMLName: xml.Name{Local: "UpdateSources"}}
	for _, src := range s.sources {
		doc.Sources = append(doc.Sources, xmlSource{
			Name:        src.Name,
			Title:       src.Title,
			Description: src.Description,
			URL:         src.URLString(),
			Priority:    strconv.Itoa(src.Priority),
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.fileName, err)
	}
	buf.WriteString("\n")

	if err := utils.WriteFileAtomic(s.fileName, buf.Bytes(), 0644); err != nil {
		return &models.UpdateError{Type: models.ErrFileOp, Subject: s.fileName, Err: err}
	}
	s.modified = false
	return nil
}

// Close flushes the list if it has unsaved changes
func (s *Info) Close() error {
	if !s.IsModified() {
		return nil
	}
	return s.WriteToDisk()
}

func (s *Info) setError(t models.ErrorType, text string) {
	s.errType = t
	s.errText = text
}

func (s *Info) fail(t models.ErrorType, text string) error {
	s.setError(t, text)
	logrus.Warn(text)
	return &models.UpdateError{Type: t, Subject: s.fileName, Err: errors.New(text)}
}

type sourcesDoc struct {
	XMLName xml.Name
	Sources []xmlSource `xml:"UpdateSource"`
}

type xmlSource struct {
	Name        string `xml:"Name"`
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
	URL         string `xml:"Url"`
	Priority    string `xml:"Priority"`
}

func (x xmlSource) info() (models.UpdateSourceInfo, error) {
	src := models.UpdateSourceInfo{
		Name:        strings.TrimSpace(x.Name),
		Title:       strings.TrimSpace(x.Title),
		Description: strings.TrimSpace(x.Description),
	}
	if raw := strings.TrimSpace(x.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return src, fmt.Errorf("invalid Url %q: %w", raw, err)
		}
		src.URL = u
	}
	if p := strings.TrimSpace(x.Priority); p != "" {
		prio, err := strconv.Atoi(p)
		if err != nil {
			return src, fmt.Errorf("invalid Priority %q", p)
		}
		src.Priority = prio
	}
	return src, nil
}
