// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/meshq/groupkey"
)

func main() {
	alias := flag.String("alias", "", "Group alias (lowercase letters, digits, '-' and '_')")
	owner := flag.String("owner", "", "Node id of the group owner")
	label := flag.String("label", "", "Human readable group name")
	out := flag.String("out", "", "Output file (default <alias>.key)")
	flag.Parse()

	if *alias == "" || *owner == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *out == "" {
		*out = *alias + ".key"
	}

	key, err := groupkey.Generate(*alias, *owner, *label)
	if err != nil {
		slog.Error("Failed to generate group key", "error", err)
		os.Exit(1)
	}
	if err := key.Save(*out); err != nil {
		slog.Error("Failed to save group key", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s written to %s\n", key.ID, *out)
}
