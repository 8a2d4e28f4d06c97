package installer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/pkgupdate/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstructions(t *testing.T) {
	doc := `<?xml version="1.0"?>
<UpdateInstructions>
    <UpdateOperation>
        <Name>Copy</Name>
        <Arg>{CURPATH}/a.txt</Arg>
        <Arg>{TARGETDIR}/a.txt</Arg>
    </UpdateOperation>
    <UpdateOperation>
        <Name>Execute</Name>
        <OnError Action="Continue"/>
        <Arg>/bin/true</Arg>
    </UpdateOperation>
    <UpdateOperation>
        <Name>Delete</Name>
        <OnError Action="AskUser"/>
        <Arg>{TARGETDIR}/old.txt</Arg>
    </UpdateOperation>
</UpdateInstructions>`

	got, err := ParseInstructions(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Instruction{Name: "Copy", OnError: Abort, Args: []string{"{CURPATH}/a.txt", "{TARGETDIR}/a.txt"}}, got[0])
	assert.Equal(t, Continue, got[1].OnError)
	assert.Equal(t, AskUser, got[2].OnError)
}

func TestParseInstructionsErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"wrong root":     `<Instructions/>`,
		"missing name":   `<UpdateInstructions><UpdateOperation><Arg>x</Arg></UpdateOperation></UpdateInstructions>`,
		"unknown action": `<UpdateInstructions><UpdateOperation><Name>Mkdir</Name><OnError Action="Retry"/></UpdateOperation></UpdateInstructions>`,
		"not xml":        `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInstructions(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestFindInstructionsDescendsSingleChildren(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "pkg", "foo-1.1")
	require.NoError(t, os.MkdirAll(filepath.Join(deep, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(deep, InstructionsFileName), []byte("<UpdateInstructions/>"), 0644))

	dir, err := FindInstructions(root)
	require.NoError(t, err)
	assert.Equal(t, deep, dir)
}

func TestFindInstructionsMissing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0755))

	_, err := FindInstructions(root)
	assert.ErrorIs(t, err, ErrNoInstructions)

	_, err = FindInstructions(t.TempDir())
	assert.ErrorIs(t, err, ErrNoInstructions)
}

func TestPlaceholders(t *testing.T) {
	target := &update.Target{Directory: "/opt/app", Name: "App", Version: "2.1", TempDir: "/var/tmp"}
	r := Placeholders(target, "/var/tmp/scratch/foo")

	in := Instruction{Args: []string{
		"{TARGETDIR}/bin",
		"{APPDIR}:{APPNAME}:{APPVERSION}",
		"{TARGETNAME}-{TARGETVERSION}",
		"{CURPATH}/data",
		"{TEMP}",
		"{ROOT}etc",
		"plain",
	}}
	assert.Equal(t, []string{
		"/opt/app/bin",
		"/opt/app:App:2.1",
		"App-2.1",
		"/var/tmp/scratch/foo/data",
		"/var/tmp",
		"/etc",
		"plain",
	}, in.Expand(r))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("")
	require.NoError(t, err)
	assert.Equal(t, Abort, a)

	a, err = ParseAction(" Continue ")
	require.NoError(t, err)
	assert.Equal(t, Continue, a)

	_, err = ParseAction("Later")
	assert.Error(t, err)
	assert.Equal(t, "AskUser", AskUser.String())
}
