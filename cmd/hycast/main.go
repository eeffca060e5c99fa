// Command hycast runs a Hycast publisher or subscriber node: the thin CLI
// entry point around the core P2P overlay manager, generalizing the
// teacher's cmd/p2p-transfer root/peer/server command set (itself a
// cobra.Command tree with a go-prompt interactive shell per role) from
// file-sharing peer/central-server roles into publish/subscribe overlay
// roles.
package main

func main() {
	Execute()
}
