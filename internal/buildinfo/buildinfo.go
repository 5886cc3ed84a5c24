// Package buildinfo holds the version banner printed by -V/--version.
package buildinfo

import "fmt"

// Version is overridden at link time via -ldflags "-X ...buildinfo.Version=...".
var Version = "dev"

const banner = `pidtree_mon %s - per-subtree CPU utilization monitor

* GitHub: https://github.com/ja7ad/pidtree_mon
`

// Banner renders the version banner shown by -V/--version.
func Banner() string {
	return fmt.Sprintf(banner, Version)
}
