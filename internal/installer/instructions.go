package installer

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralt/pkgupdate/internal/update"
)

// InstructionsFileName is the file every unpacked payload must contain
const InstructionsFileName = "UpdateInstructions.xml"

// Action is the policy applied when an operation fails
type Action int

const (
	// Abort undoes the operations of the update and stops the install
	Abort Action = iota
	// Continue skips the failed operation
	Continue
	// AskUser defers to the installer's AskUserFunc
	AskUser
)

func (a Action) String() string {
	switch a {
	case Abort:
		return "Abort"
	case Continue:
		return "Continue"
	case AskUser:
		return "AskUser"
	default:
		return "Unknown"
	}
}

// ParseAction parses an OnError Action attribute. Empty means Abort.
func ParseAction(s string) (Action, error) {
	switch strings.TrimSpace(s) {
	case "", "Abort":
		return Abort, nil
	case "Continue":
		return Continue, nil
	case "AskUser":
		return AskUser, nil
	default:
		return Abort, fmt.Errorf("unknown OnError action %q", s)
	}
}

// Instruction is one UpdateOperation entry of an UpdateInstructions document
type Instruction struct {
	Name    string
	OnError Action
	Args    []string
}

type xmlInstructions struct {
	XMLName    xml.Name         `xml:"UpdateInstructions"`
	Operations []xmlInstruction `xml:"UpdateOperation"`
}

type xmlInstruction struct {
	Name    string `xml:"Name"`
	OnError *struct {
		Action string `xml:"Action,attr"`
	} `xml:"OnError"`
	Args []string `xml:"Arg"`
}

// ParseInstructions reads the ordered operations of an UpdateInstructions document
func ParseInstructions(r io.Reader) ([]Instruction, error) {
	var doc xmlInstructions
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", InstructionsFileName, err)
	}

	out := make([]Instruction, 0, len(doc.Operations))
	for i, x := range doc.Operations {
		name := strings.TrimSpace(x.Name)
		if name == "" {
			return nil, fmt.Errorf("operation %d has no name", i)
		}
		action := Abort
		if x.OnError != nil {
			var err error
			if action, err = ParseAction(x.OnError.Action); err != nil {
				return nil, fmt.Errorf("operation %d (%s): %w", i, name, err)
			}
		}
		out = append(out, Instruction{Name: name, OnError: action, Args: x.Args})
	}
	return out, nil
}

// ParseInstructionsFile reads an UpdateInstructions document from disk
func ParseInstructionsFile(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ParseInstructions(f)
}

// ErrNoInstructions is returned when an unpacked payload has no instructions
var ErrNoInstructions = errors.New(InstructionsFileName + " not found")

// FindInstructions descends through directories holding a single
// subdirectory until one contains the instructions file.
func FindInstructions(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, InstructionsFileName)); err == nil {
			return dir, nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", dir, err)
		}
		if len(entries) != 1 || !entries[0].IsDir() {
			return "", ErrNoInstructions
		}
		dir = filepath.Join(dir, entries[0].Name())
	}
}

// Placeholders returns the token replacer for the arguments of an update
// whose instructions live in curPath.
func Placeholders(target *update.Target, curPath string) *strings.Replacer {
	home, _ := os.UserHomeDir()
	root := filepath.VolumeName(target.Directory) + string(filepath.Separator)
	return strings.NewReplacer(
		"{TARGETDIR}", target.Directory,
		"{TARGETNAME}", target.Name,
		"{TARGETVERSION}", target.Version,
		"{APPDIR}", target.Directory,
		"{APPNAME}", target.Name,
		"{APPVERSION}", target.Version,
		"{HOME}", home,
		"{CURPATH}", curPath,
		"{ROOT}", root,
		"{TEMP}", target.TempRoot(),
	)
}

// Expand substitutes the placeholders in every argument
func (in Instruction) Expand(r *strings.Replacer) []string {
	out := make([]string, len(in.Args))
	for i, arg := range in.Args {
		out[i] = r.Replace(arg)
	}
	return out
}
