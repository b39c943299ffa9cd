package banner

import (
	"fmt"

	"triagedb/pkg/config"
)

const banner = `
████████╗██████╗ ██╗ █████╗  ██████╗ ███████╗██████╗ ██████╗
╚══██╔══╝██╔══██╗██║██╔══██╗██╔════╝ ██╔════╝██╔══██╗██╔══██╗
   ██║   ██████╔╝██║███████║██║  ███╗█████╗  ██║  ██║██████╔╝
   ██║   ██╔══██╗██║██╔══██║██║   ██║██╔══╝  ██║  ██║██╔══██╗
   ██║   ██║  ██║██║██║  ██║╚██████╔╝███████╗██████╔╝██████╔╝
   ╚═╝   ╚═╝  ╚═╝╚═╝╚═╝  ╚═╝ ╚═════╝ ╚══════╝╚═════╝ ╚═════╝
`

// Print writes the startup banner and a short production checklist based
// on the effective config.
func Print(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dataDir := eff.DataDir
	if dataDir == "" && eff.Config != nil {
		dataDir = eff.Config.Server.DataDir
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", addr)
	fmt.Printf("Data dir:  %s\n", dataDir)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Printf("Config:    %s\n", src)

	fmt.Println("\n== Production? ================================================")
	ak := 0
	if eff.Config != nil {
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (maintenance endpoints disabled)")
	}

	if eff.Config != nil && eff.Config.Maintenance.Enabled {
		if c := eff.Config.Maintenance.Cron; c != "" {
			fmt.Printf("- Maintenance: enabled (cron=%s)\n", c)
		} else {
			fmt.Println("- Maintenance: enabled")
		}
	} else {
		fmt.Println("- Maintenance: disabled (run cleanup and rotation externally)")
	}

	if eff.Config != nil {
		fmt.Printf("- Retention: %d days, backups kept %s\n",
			eff.Config.Store.RetentionDays, eff.Config.Store.BackupRetention.Duration())
	}
	fmt.Println()
}
