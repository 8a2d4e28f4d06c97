package operations

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// Journal is the list of operations performed so far by an install. It is
// written after every operation so an interrupted install can be rolled
// back by a later process.
type Journal struct {
	// ID identifies the install run
	ID string

	// Update names the update being applied
	Update string

	WorkingDirectory string
	BackupDir        string

	Operations []Operation
}

type xmlJournal struct {
	XMLName          xml.Name       `xml:"journal"`
	ID               string         `xml:"id,attr,omitempty"`
	Update           string         `xml:"update,attr,omitempty"`
	WorkingDirectory string         `xml:"workdir,attr,omitempty"`
	BackupDir        string         `xml:"backupdir,attr,omitempty"`
	Operations       []xmlOperation `xml:"operation"`
}

// Add appends a performed operation
func (j *Journal) Add(op Operation) {
	j.Operations = append(j.Operations, op)
}

// Encode serializes the journal
func (j *Journal) Encode() ([]byte, error) {
	doc := xmlJournal{
		ID:               j.ID,
		Update:           j.Update,
		WorkingDirectory: j.WorkingDirectory,
		BackupDir:        j.BackupDir,
	}
	for _, op := range j.Operations {
		data, err := op.ToXML()
		if err != nil {
			return nil, err
		}
		var xo xmlOperation
		if err := xml.Unmarshal(data, &xo); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", op.Name(), err)
		}
		doc.Operations = append(doc.Operations, xo)
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

// WriteFile atomically replaces the journal at path
func (j *Journal) WriteFile(path string) error {
	data, err := j.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

// ReadJournal loads a journal, instantiating its operations from reg
func ReadJournal(path string, reg *Registry) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var doc xmlJournal
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse journal %s: %w", path, err)
	}

	j := &Journal{
		ID:               doc.ID,
		Update:           doc.Update,
		WorkingDirectory: doc.WorkingDirectory,
		BackupDir:        doc.BackupDir,
	}
	for i, xo := range doc.Operations {
		op, err := reg.Create(xo.Name)
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", i, err)
		}
		raw, err := xml.Marshal(xo)
		if err != nil {
			return nil, err
		}
		if err := op.FromXML(raw); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", i, err)
		}
		j.Operations = append(j.Operations, op)
	}
	return j, nil
}

// Rollback undoes every journaled operation, newest first. All operations
// are attempted; failures are aggregated.
func (j *Journal) Rollback(ledger Ledger) error {
	env := Environment{
		WorkingDirectory: j.WorkingDirectory,
		BackupDir:        j.BackupDir,
		Ledger:           ledger,
	}

	var result *multierror.Error
	for i := len(j.Operations) - 1; i >= 0; i-- {
		op := j.Operations[i]
		op.SetEnvironment(env)
		if err := op.Undo(); err != nil {
			logrus.Warnf("Failed to undo %s %v: %v", op.Name(), op.Arguments(), err)
			result = multierror.Append(result, err)
			continue
		}
		logrus.Debugf("Undid %s %v", op.Name(), op.Arguments())
	}
	return result.ErrorOrNil()
}
