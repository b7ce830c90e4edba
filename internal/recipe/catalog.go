package recipe

import (
	"fmt"
	"sort"
)

// Artifact pins one downloadable file.
type Artifact struct {
	Name     string
	URL      string
	Checksum string
}

// Descriptor is the per-flavor configuration the sequencer is parameterized
// by. Version-specific branching lives here, not in the orchestrator.
type Descriptor struct {
	Flavor string
	VMName string
	OS     string

	// Image is the dedicated appliance with the browser preinstalled.
	Image Artifact

	// ReuseBase names the flavor whose image serves as the base when the
	// reuse policy is on; Installer then upgrades the browser in place.
	ReuseBase  string
	Installer  *Artifact
	SilentArgs []string

	// Tweaks are best-effort guest commands applied after install.
	Tweaks []string
}

// Plan is a descriptor resolved against the reuse policy.
type Plan struct {
	Flavor     string
	VMName     string
	OS         string
	Image      Artifact
	Installer  *Artifact
	SilentArgs []string
	Tweaks     []string
	ReusedBase bool
}

const imageBaseURL = "https://az412801.vo.msecnd.net/vhd/VMBuild_20141027/VirtualBox"

var disableFirstRunTweak = `reg.exe add "HKLM\Software\Policies\Microsoft\Internet Explorer\Main" /v DisableFirstRunCustomize /t REG_DWORD /d 1 /f`

var catalog = buildCatalog()

func buildCatalog() map[string]Descriptor {
	descriptors := []Descriptor{
		{
			Flavor: "ie6-winxp",
			VMName: "IE6 - WinXP",
			OS:     "winxp",
			Image: Artifact{
				Name:     "IE6.WinXP image",
				URL:      imageBaseURL + "/IE6/Windows/IE6.WinXP.For.Windows.VirtualBox.zip",
				Checksum: "3d5b7d980296d048de8890a3a9b64337",
			},
			Tweaks: []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie7-vista",
			VMName: "IE7 - Vista",
			OS:     "vista",
			Image: Artifact{
				Name:     "IE7.Vista image",
				URL:      imageBaseURL + "/IE7/Windows/IE7.Vista.For.Windows.VirtualBox.zip",
				Checksum: "d5abb09e17edda1d3b1fe197ed97c45b",
			},
			Tweaks: []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie8-win7",
			VMName: "IE8 - Win7",
			OS:     "win7",
			Image: Artifact{
				Name:     "IE8.Win7 image",
				URL:      imageBaseURL + "/IE8/Windows/IE8.Win7.For.Windows.VirtualBox.zip",
				Checksum: "21b0aad3d66dac7f88635aa2318a3a55",
			},
			Tweaks: []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie9-win7",
			VMName: "IE9 - Win7",
			OS:     "win7",
			Image: Artifact{
				Name:     "IE9.Win7 image",
				URL:      imageBaseURL + "/IE9/Windows/IE9.Win7.For.Windows.VirtualBox.zip",
				Checksum: "58d201fe7dc7e890ad645412264f2a2c",
			},
			ReuseBase: "ie8-win7",
			Installer: &Artifact{
				Name:     "IE9 installer",
				URL:      "https://download.microsoft.com/download/C/3/0/C30EED01-02A9-4ABA-A9E0-BF5FCA148A34/IE9-Windows7-x86-enu.exe",
				Checksum: "0c9859a12de0c1b2d30b8e652870cf1c",
			},
			SilentArgs: []string{"/passive", "/norestart"},
			Tweaks:     []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie10-win7",
			VMName: "IE10 - Win7",
			OS:     "win7",
			Image: Artifact{
				Name:     "IE10.Win7 image",
				URL:      imageBaseURL + "/IE10/Windows/IE10.Win7.For.Windows.VirtualBox.zip",
				Checksum: "7255b2ae3d1366b79f2da7d6eebd5c1e",
			},
			ReuseBase: "ie8-win7",
			Installer: &Artifact{
				Name:     "IE10 installer",
				URL:      "https://download.microsoft.com/download/8/A/C/8AC7C482-BC74-492E-B978-7ED04900CEDE/IE10-Windows6.1-x86-en-us.exe",
				Checksum: "0f14b2de0086feef4b0ca27e4d5a1bf1",
			},
			SilentArgs: []string{"/quiet", "/norestart"},
			Tweaks:     []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie11-win7",
			VMName: "IE11 - Win7",
			OS:     "win7",
			Image: Artifact{
				Name:     "IE11.Win7 image",
				URL:      imageBaseURL + "/IE11/Windows/IE11.Win7.For.Windows.VirtualBox.zip",
				Checksum: "88d75f2839f1ea0e2e45595873dcbbb5",
			},
			ReuseBase: "ie8-win7",
			Installer: &Artifact{
				Name:     "IE11 installer",
				URL:      "https://download.microsoft.com/download/9/2/F/92FC119C-3BCD-476C-B425-038A39625558/IE11-Windows6.1-x86-en-us.exe",
				Checksum: "a9e211b7c1bbdac6d7ad7b1f34cb334a",
			},
			SilentArgs: []string{"/quiet", "/norestart"},
			Tweaks:     []string{disableFirstRunTweak},
		},
		{
			Flavor: "ie10-win8",
			VMName: "IE10 - Win8",
			OS:     "win8",
			Image: Artifact{
				Name:     "IE10.Win8 image",
				URL:      imageBaseURL + "/IE10/Windows/IE10.Win8.For.Windows.VirtualBox.zip",
				Checksum: "cd2a95d8e4cbf1f1dcd2b7bbefef2ad9",
			},
		},
		{
			Flavor: "ie11-win81",
			VMName: "IE11 - Win8.1",
			OS:     "win81",
			Image: Artifact{
				Name:     "IE11.Win8.1 image",
				URL:      imageBaseURL + "/IE11/Windows/IE11.Win8.1.For.Windows.VirtualBox.zip",
				Checksum: "7f8a1b9c6d06a5979b3e67b3a1c1da62",
			},
		},
		{
			Flavor: "edge-win10",
			VMName: "MSEdge - Win10",
			OS:     "win10",
			Image: Artifact{
				Name:     "MSEdge.Win10 image",
				URL:      imageBaseURL + "/MSEdge/Windows/MSEdge.Win10.For.Windows.VirtualBox.zip",
				Checksum: "c61e8ba1c3957e72251ca4f35d2dd1ea",
			},
		},
	}

	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.Flavor] = d
	}
	return m
}

// Flavors lists all buildable flavor identifiers, sorted.
func Flavors() []string {
	out := make([]string, 0, len(catalog))
	for f := range catalog {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Describe returns the raw catalog entry for a flavor.
func Describe(flavor string) (Descriptor, bool) {
	d, ok := catalog[flavor]
	return d, ok
}

// Lookup resolves a flavor against the reuse policy. With reuse on, flavors
// carrying a ReuseBase build from the base flavor's image and upgrade the
// browser in place with their pinned installer; otherwise each flavor
// downloads its dedicated image. Structurally invalid combinations fail fast.
func Lookup(flavor string, reuseBase bool) (Plan, error) {
	d, ok := catalog[flavor]
	if !ok {
		return Plan{}, &PreconditionError{Flavor: flavor, Reason: fmt.Sprintf("unknown flavor (available: %v)", Flavors())}
	}

	plan := Plan{
		Flavor: d.Flavor,
		VMName: d.VMName,
		OS:     d.OS,
		Image:  d.Image,
		Tweaks: d.Tweaks,
	}

	if reuseBase && d.ReuseBase != "" {
		base, ok := catalog[d.ReuseBase]
		if !ok {
			return Plan{}, &PreconditionError{Flavor: flavor, Reason: fmt.Sprintf("reuse base %q is not in the catalog", d.ReuseBase)}
		}
		if d.Installer == nil {
			return Plan{}, &PreconditionError{Flavor: flavor, Reason: "reuse policy requires an in-place installer, but none is pinned"}
		}
		plan.Image = base.Image
		plan.Installer = d.Installer
		plan.SilentArgs = d.SilentArgs
		plan.ReusedBase = true
	}

	return plan, nil
}
