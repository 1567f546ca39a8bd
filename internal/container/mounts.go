package container

import "fmt"

// Mount declares a host path bound into an executor container.
type Mount struct {
	Host     string `yaml:"host" json:"host"`
	Guest    string `yaml:"guest" json:"guest"`
	ReadOnly bool   `yaml:"read_only" json:"read_only"`
}

func buildMounts(opts ExecutorOpts) []string {
	binds := make([]string, 0, len(opts.Mounts))
	for _, mnt := range opts.Mounts {
		bind := fmt.Sprintf("%s:%s", mnt.Host, mnt.Guest)
		if mnt.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}
