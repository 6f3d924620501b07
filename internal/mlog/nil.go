package mlog

// Nop is a Logger that discards everything. Useful for tests and for
// components constructed without an explicit logger.
type Nop struct{}

func (Nop) Info(args ...any)           {}
func (Nop) Infof(string, ...any)       {}
func (Nop) Error(args ...any)          {}
func (Nop) Errorf(string, ...any)      {}
func (Nop) Warn(args ...any)           {}
func (Nop) Warnf(string, ...any)       {}
func (Nop) Debug(args ...any)          {}
func (Nop) Debugf(string, ...any)      {}
func (Nop) Fatal(args ...any)          {}
func (Nop) Fatalf(string, ...any)      {}
func (n Nop) WithFields(...any) Logger { return n }
func (Nop) Sync() error                { return nil }
