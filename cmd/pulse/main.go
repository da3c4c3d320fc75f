// Command pulse watches Claude Code session logs and serves a live view
// of every session's status.
//
//	pulse daemon      tail local logs and push changes to a collector
//	pulse collector   receive pushes and stream them to dashboards
package main

func main() {
	Execute()
}
