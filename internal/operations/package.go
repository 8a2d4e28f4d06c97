package operations

import (
	"context"
	"strconv"
	"time"

	"github.com/ralt/pkgupdate/internal/models"
)

// UpdatePackageOperation records a package version in the ledger.
// Arguments: name, version and an optional ISO date, today by default. A
// package missing from the ledger is installed.
type UpdatePackageOperation struct {
	base
}

func NewUpdatePackage() *UpdatePackageOperation {
	return &UpdatePackageOperation{base: newBase(KindUpdatePackage)}
}

func (o *UpdatePackageOperation) parse() (name, version string, date time.Time, err error) {
	if err := o.checkArgs(2, 3); err != nil {
		return "", "", time.Time{}, err
	}
	name, version = o.args[0], o.args[1]
	date = models.Today()
	if len(o.args) == 3 && o.args[2] != "" {
		if date, err = models.ParseDate(o.args[2]); err != nil {
			return "", "", time.Time{}, o.fail(InvalidArguments, "invalid arguments: bad date %q", o.args[2])
		}
	}
	if name == "" {
		return "", "", time.Time{}, o.fail(InvalidArguments, "invalid arguments: empty package name")
	}
	return name, version, date, nil
}

func (o *UpdatePackageOperation) ledger() (Ledger, error) {
	if o.env.Ledger == nil {
		return nil, o.fail(UserDefinedError, "no package ledger available")
	}
	return o.env.Ledger, nil
}

func (o *UpdatePackageOperation) Backup() error {
	name, _, _, err := o.parse()
	if err != nil {
		return err
	}
	l, err := o.ledger()
	if err != nil {
		return err
	}

	idx := l.FindPackageInfo(name)
	o.SetValue("wasInstalled", idx != -1)
	if idx != -1 {
		rec := l.PackageInfo(idx)
		o.SetValue("oldVersion", rec.Version)
		o.SetValue("oldDate", rec.LastUpdateDate)
	}
	return nil
}

func (o *UpdatePackageOperation) Perform(ctx context.Context) error {
	name, version, date, err := o.parse()
	if err != nil {
		return err
	}
	l, err := o.ledger()
	if err != nil {
		return err
	}

	if l.FindPackageInfo(name) == -1 {
		if !l.InstallPackage(models.PackageRecord{
			Name:           name,
			Version:        version,
			InstallDate:    date,
			LastUpdateDate: date,
		}) {
			return o.fail(UserDefinedError, "failed to install package %s", name)
		}
	} else if !l.UpdatePackage(name, version, date) {
		return o.fail(UserDefinedError, "failed to update package %s", name)
	}
	o.clearError()
	return nil
}

func (o *UpdatePackageOperation) Undo() error {
	name, _, _, err := o.parse()
	if err != nil {
		return err
	}
	l, err := o.ledger()
	if err != nil {
		return err
	}
	if !o.HasValue("wasInstalled") {
		return o.fail(UserDefinedError, "%v", errNoBackup)
	}

	if !o.boolValue("wasInstalled") {
		l.RemovePackage(name)
		return nil
	}

	oldDate, _ := o.Value("oldDate").(time.Time)
	if !l.UpdatePackage(name, o.stringValue("oldVersion"), oldDate) {
		return o.fail(UserDefinedError, "package %s disappeared from the ledger", name)
	}
	return nil
}

func (o *UpdatePackageOperation) Test() error {
	if _, _, _, err := o.parse(); err != nil {
		return err
	}
	_, err := o.ledger()
	return err
}

func (o *UpdatePackageOperation) Clone() Operation {
	return &UpdatePackageOperation{base: o.cloneBase()}
}

// UpdateCompatLevelOperation sets the compat level of the ledger.
// Argument: the new level.
type UpdateCompatLevelOperation struct {
	base
}

func NewUpdateCompatLevel() *UpdateCompatLevelOperation {
	return &UpdateCompatLevelOperation{base: newBase(KindUpdateCompatLevel)}
}

func (o *UpdateCompatLevelOperation) level() (int, error) {
	if err := o.checkArgs(1, 1); err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(o.args[0])
	if err != nil || level < 0 {
		return 0, o.fail(InvalidArguments, "invalid arguments: bad compat level %q", o.args[0])
	}
	return level, nil
}

func (o *UpdateCompatLevelOperation) ledger() (Ledger, error) {
	if o.env.Ledger == nil {
		return nil, o.fail(UserDefinedError, "no package ledger available")
	}
	return o.env.Ledger, nil
}

func (o *UpdateCompatLevelOperation) Backup() error {
	if _, err := o.level(); err != nil {
		return err
	}
	l, err := o.ledger()
	if err != nil {
		return err
	}
	o.SetValue("oldCompatLevel", l.CompatLevel())
	return nil
}

func (o *UpdateCompatLevelOperation) Perform(ctx context.Context) error {
	level, err := o.level()
	if err != nil {
		return err
	}
	l, err := o.ledger()
	if err != nil {
		return err
	}
	l.SetCompatLevel(level)
	o.clearError()
	return nil
}

func (o *UpdateCompatLevelOperation) Undo() error {
	l, err := o.ledger()
	if err != nil {
		return err
	}
	old, ok := o.Value("oldCompatLevel").(int)
	if !ok {
		return o.fail(UserDefinedError, "%v", errNoBackup)
	}
	l.SetCompatLevel(old)
	return nil
}

func (o *UpdateCompatLevelOperation) Test() error {
	if _, err := o.level(); err != nil {
		return err
	}
	_, err := o.ledger()
	return err
}

func (o *UpdateCompatLevelOperation) Clone() Operation {
	return &UpdateCompatLevelOperation{base: o.cloneBase()}
}
