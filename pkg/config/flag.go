package config

import "flag"

var _ flag.Value = &Flag{}

// Flag is the flag.Value behind -config: setting it loads the referenced
// file over the defaults into Config. IsSet lets startup code tell a
// missing default config file (tolerable) apart from a broken file the
// user asked for explicitly (fatal).
type Flag struct {
	File   string
	Config *Configuration
	IsSet  bool
}

func (f *Flag) Set(path string) error {
	f.File = path

	cfg, err := FromFile(path)
	if err != nil {
		return err
	}

	*f.Config = cfg
	f.IsSet = true

	return nil
}

func (f *Flag) String() string {
	return f.File
}
