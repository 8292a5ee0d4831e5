// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flygate runs the VPN gateway data plane: packet admission
// control on the protected interface and the encrypted peer tunnel
// engine on the wire side.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/flygate/internal/config"
)

const version = "0.3.1"

func main() {
	configPath := flag.String("config", "/etc/flygate/flygate.hcl", "Path to HCL config file")
	flag.Parse()

	subcmd := "run"
	if args := flag.Args(); len(args) > 0 {
		subcmd = args[0]
	}

	var err error
	switch subcmd {
	case "run":
		err = runGateway(*configPath)
	case "validate":
		err = runValidate(*configPath)
	case "genkey":
		err = runGenkey()
	case "version":
		fmt.Println("flygate " + version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		fmt.Fprintln(os.Stderr, "Usage: flygate [-config file] [run|validate|genkey|version]")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK (%d peers, %d hops)\n", path, len(cfg.Peers), len(cfg.Hops))
	return nil
}

func runGenkey() error {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Println("private_key =", key.String())
	fmt.Println("public_key  =", key.PublicKey().String())
	return nil
}
