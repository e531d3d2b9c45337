package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/term"

	"forge/internal/approval"
	"forge/internal/ssebus"
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// startApprovalWatch renders pending tool-call approvals to the terminal
// and reads a y/N decision from stdin when orchestratord is run attached
// to one. This is a convenience fallback for an operator watching the
// process directly — POST /api/approval and the /confirm, /cancel slash
// commands remain the primary channel and work identically whether or not
// a terminal is attached.
func startApprovalWatch(c *components) func() {
	if !isTTY() {
		return func() {}
	}

	events, cancel := c.bus.Subscribe()
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for ev := range events {
			if ev.Type != ssebus.EventApprovalNeeded {
				continue
			}
			data, ok := ev.Data.(map[string]any)
			if !ok {
				continue
			}
			permissionID, _ := data["permissionId"].(string)
			toolName, _ := data["toolName"].(string)

			fmt.Printf("\n%s approval needed for %s\n", yellow("?"), bold(toolName))
			fmt.Printf("  %s: %v\n", "preview", data["preview"])
			fmt.Printf("  allow %s? [y/N] ", blue(permissionID))

			if !scanner.Scan() {
				return
			}
			decision := approval.DecisionDeny
			if scanner.Text() == "y" || scanner.Text() == "Y" {
				decision = approval.DecisionAllow
			}
			if c.approvals.Decide(permissionID, decision, "terminal fallback") {
				fmt.Printf("  %s %s\n", green("decided"), decision)
			}
		}
	}()
	return cancel
}
