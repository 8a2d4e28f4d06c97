// Package packages maintains the ledger of packages installed in a target.
//
// The ledger is stored as Packages.xml in the target directory. It is read
// by Refresh, mutated in memory and written back by WriteToDisk or Close.
package packages

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// FileName is the default ledger file name inside a target directory
const FileName = "Packages.xml"

// Info is the installed package ledger of one target
type Info struct {
	mu sync.Mutex

	fileName      string
	targetName    string
	targetVersion string
	compatLevel   int
	packages      []models.PackageRecord

	errType  models.ErrorType
	errText  string
	modified bool
}

// New creates a ledger backed by fileName. Nothing is read until Refresh.
func New(fileName string) *Info {
	return &Info{
		fileName:    fileName,
		compatLevel: -1,
		errType:     models.ErrNotYetRead,
		errText:     "Packages.xml not yet read",
	}
}

// Open creates a ledger for fileName and reads it
func Open(fileName string) (*Info, error) {
	info := New(fileName)
	if err := info.Refresh(); err != nil {
		return info, err
	}
	return info, nil
}

// FileName returns the backing file
func (p *Info) FileName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileName
}

// SetFileName changes the backing file and re-reads it
func (p *Info) SetFileName(fileName string) error {
	p.mu.Lock()
	if p.fileName == fileName {
		p.mu.Unlock()
		return nil
	}
	p.fileName = fileName
	p.mu.Unlock()
	return p.Refresh()
}

// IsValid reports whether the last read succeeded
func (p *Info) IsValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errType == models.ErrNone
}

// ErrorType returns the sticky error of the last read
func (p *Info) ErrorType() models.ErrorType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errType
}

// ErrorString returns a diagnostic for the sticky error
func (p *Info) ErrorString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errText
}

// IsModified reports whether there are unsaved changes
func (p *Info) IsModified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modified
}

func (p *Info) TargetName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetName
}

func (p *Info) SetTargetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetName = name
	p.modified = true
}

func (p *Info) TargetVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetVersion
}

func (p *Info) SetTargetVersion(version string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetVersion = version
	p.modified = true
}

// CompatLevel returns the target compat level, or -1 when unknown
func (p *Info) CompatLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compatLevel
}

func (p *Info) SetCompatLevel(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compatLevel = level
	p.modified = true
}

// PackageCount returns the number of installed packages
func (p *Info) PackageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.packages)
}

// PackageInfo returns the record at index
func (p *Info) PackageInfo(index int) models.PackageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.packages) {
		return models.PackageRecord{}
	}
	return p.packages[index]
}

// PackageInfos returns a copy of all records
func (p *Info) PackageInfos() []models.PackageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PackageRecord(nil), p.packages...)
}

// FindPackageInfo returns the index of the named package, or -1
func (p *Info) FindPackageInfo(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(name)
}

func (p *Info) find(name string) int {
	for i := range p.packages {
		if p.packages[i].Name == name {
			return i
		}
	}
	return -1
}

// InstallPackage adds a record. Installing an already known package name
// updates its version instead.
func (p *Info) InstallPackage(rec models.PackageRecord) bool {
	if rec.Name == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	today := models.Today()
	if idx := p.find(rec.Name); idx != -1 {
		return p.update(idx, rec.Version, today)
	}

	if rec.InstallDate.IsZero() {
		rec.InstallDate = today
	}
	if rec.LastUpdateDate.IsZero() {
		rec.LastUpdateDate = rec.InstallDate
	}
	rec.InstallDate = models.Date(rec.InstallDate)
	rec.LastUpdateDate = models.Date(rec.LastUpdateDate)
	p.packages = append(p.packages, rec)
	p.modified = true
	return true
}

// UpdatePackage records a new version and update date for a package
func (p *Info) UpdatePackage(name, version string, date time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.find(name)
	if idx == -1 {
		return false
	}
	return p.update(idx, version, date)
}

func (p *Info) update(idx int, version string, date time.Time) bool {
	p.packages[idx].Version = version
	p.packages[idx].LastUpdateDate = models.Date(date)
	p.modified = true
	return true
}

// SetPackageInfo replaces the record of a package by name
func (p *Info) SetPackageInfo(rec models.PackageRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.find(rec.Name)
	if idx == -1 {
		return false
	}
	p.packages[idx] = rec
	p.modified = true
	return true
}

// RemovePackage removes the named package
func (p *Info) RemovePackage(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.find(name)
	if idx == -1 {
		return false
	}
	p.packages = append(p.packages[:idx], p.packages[idx+1:]...)
	p.modified = true
	return true
}

// ClearPackageInfos removes every record
func (p *Info) ClearPackageInfos() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packages = nil
	p.modified = true
}

// Refresh re-reads the ledger from disk, replacing the in-memory state. A
// missing file yields an empty, valid ledger.
func (p *Info) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.targetName = ""
	p.targetVersion = ""
	p.compatLevel = -1
	p.packages = nil
	p.modified = false

	data, err := os.ReadFile(p.fileName)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Debugf("No package ledger at %s, starting empty", p.fileName)
		p.setError(models.ErrNone, "")
		return nil
	}
	if err != nil {
		p.setError(models.ErrCouldNotRead, fmt.Sprintf("Could not read %s: %v", p.fileName, err))
		return p.errorValue()
	}

	var doc packagesDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		p.setError(models.ErrInvalidXML, fmt.Sprintf("Parse error in %s: %v", p.fileName, err))
		return p.errorValue()
	}
	if doc.XMLName.Local != "Packages" {
		p.setError(models.ErrInvalidContent, fmt.Sprintf("Root element %q unexpected, should be \"Packages\"", doc.XMLName.Local))
		return p.errorValue()
	}

	records := make([]models.PackageRecord, 0, len(doc.Packages))
	for _, xp := range doc.Packages {
		rec, err := xp.record()
		if err != nil {
			p.setError(models.ErrInvalidContent, fmt.Sprintf("Invalid package in %s: %v", p.fileName, err))
			return p.errorValue()
		}
		records = append(records, rec)
	}

	compat := -1
	if s := strings.TrimSpace(doc.CompatLevel); s != "" {
		compat, err = strconv.Atoi(s)
		if err != nil {
			p.setError(models.ErrInvalidContent, fmt.Sprintf("Invalid CompatLevel %q", s))
			return p.errorValue()
		}
	}

	p.targetName = strings.TrimSpace(doc.TargetName)
	p.targetVersion = strings.TrimSpace(doc.TargetVersion)
	p.compatLevel = compat
	p.packages = records
	p.setError(models.ErrNone, "")
	return nil
}

// WriteToDisk saves the ledger and clears the modified flag
func (p *Info) WriteToDisk() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.fileName, err)
	}
	if err := utils.WriteFileAtomic(p.fileName, data, 0644); err != nil {
		return &models.UpdateError{Type: models.ErrFileOp, Subject: p.fileName, Err: err}
	}
	p.modified = false
	logrus.Debugf("Wrote %d packages to %s", len(p.packages), p.fileName)
	return nil
}

// Close flushes the ledger if it has unsaved changes
func (p *Info) Close() error {
	if !p.IsModified() {
		return nil
	}
	return p.WriteToDisk()
}

func (p *Info) setError(t models.ErrorType, text string) {
	p.errType = t
	p.errText = text
	if t != models.ErrNone {
		logrus.Warn(text)
	}
}

func (p *Info) errorValue() error {
	return &models.UpdateError{Type: p.errType, Subject: p.fileName, Err: errors.New(p.errText)}
}

func (p *Info) marshal() ([]byte, error) {
	doc := packagesDoc{
		XMLName:       xml.Name{Local: "Packages"},
		TargetName:    p.targetName,
		TargetVersion: p.targetVersion,
	}
	if p.compatLevel >= 0 {
		doc.CompatLevel = strconv.Itoa(p.compatLevel)
	}
	for _, rec := range p.packages {
		doc.Packages = append(doc.Packages, fromRecord(rec))
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// XML structures for Packages.xml

type packagesDoc struct {
	XMLName       xml.Name
	TargetName    string   `xml:"TargetName"`
	TargetVersion string   `xml:"TargetVersion"`
	CompatLevel   string   `xml:"CompatLevel,omitempty"`
	Packages      []xmlPkg `xml:"Package"`
}

type xmlPkg struct {
	Name           string `xml:"Name"`
	Pixmap         string `xml:"Pixmap"`
	Title          string `xml:"Title"`
	Description    string `xml:"Description"`
	Version        string `xml:"Version"`
	LastUpdateDate string `xml:"LastUpdateDate"`
	InstallDate    string `xml:"InstallDate"`
	Size           string `xml:"Size"`
	Dependencies   string `xml:"Dependencies"`
}

func (x xmlPkg) record() (models.PackageRecord, error) {
	rec := models.PackageRecord{
		Name:        strings.TrimSpace(x.Name),
		Pixmap:      strings.TrimSpace(x.Pixmap),
		Title:       strings.TrimSpace(x.Title),
		Description: strings.TrimSpace(x.Description),
		Version:     strings.TrimSpace(x.Version),
	}
	if rec.Name == "" {
		return rec, fmt.Errorf("package without name")
	}

	var err error
	if s := strings.TrimSpace(x.LastUpdateDate); s != "" {
		if rec.LastUpdateDate, err = models.ParseDate(s); err != nil {
			return rec, fmt.Errorf("package %s: invalid LastUpdateDate %q", rec.Name, s)
		}
	}
	if s := strings.TrimSpace(x.InstallDate); s != "" {
		if rec.InstallDate, err = models.ParseDate(s); err != nil {
			return rec, fmt.Errorf("package %s: invalid InstallDate %q", rec.Name, s)
		}
	}
	if s := strings.TrimSpace(x.Size); s != "" {
		if rec.UncompressedSize, err = strconv.ParseUint(s, 10, 64); err != nil {
			return rec, fmt.Errorf("package %s: invalid Size %q", rec.Name, s)
		}
	}
	for _, dep := range strings.Split(x.Dependencies, ",") {
		if dep = strings.TrimSpace(dep); dep != "" {
			rec.Dependencies = append(rec.Dependencies, dep)
		}
	}
	return rec, nil
}

func fromRecord(rec models.PackageRecord) xmlPkg {
	return xmlPkg{
		Name:           rec.Name,
		Pixmap:         rec.Pixmap,
		Title:          rec.Title,
		Description:    rec.Description,
		Version:        rec.Version,
		LastUpdateDate: models.FormatDate(rec.LastUpdateDate),
		InstallDate:    models.FormatDate(rec.InstallDate),
		Size:           strconv.FormatUint(rec.UncompressedSize, 10),
		Dependencies:   strings.Join(rec.Dependencies, ","),
	}
}
