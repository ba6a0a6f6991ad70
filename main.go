package main

import (
	"github.com/AdguardTeam/AdGuardDHCP/internal/cmd"
)

func main() {
	cmd.Main()
}
