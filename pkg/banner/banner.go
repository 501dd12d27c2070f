package banner

import "fmt"

const banner = `
███████╗ ██████╗  ██████╗██╗ █████╗ ██╗     ███╗   ███╗███████╗███████╗██╗  ██╗
██╔════╝██╔═══██╗██╔════╝██║██╔══██╗██║     ████╗ ████║██╔════╝██╔════╝██║  ██║
███████╗██║   ██║██║     ██║███████║██║     ██╔████╔██║█████╗  ███████╗███████║
╚════██║██║   ██║██║     ██║██╔══██║██║     ██║╚██╔╝██║██╔══╝  ╚════██║██╔══██║
███████║╚██████╔╝╚██████╗██║██║  ██║███████╗██║ ╚═╝ ██║███████╗███████║██║  ██║
╚══════╝ ╚═════╝  ╚═════╝╚═╝╚═╝  ╚═╝╚══════╝╚═╝     ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(role, addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Role:     %s\n", role)
	fmt.Printf("Listen:   %s\n", addr)
	if dbPath != "" {
		fmt.Printf("DB Path:  %s\n", dbPath)
	}
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("===============================================================")
}
