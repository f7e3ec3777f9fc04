// Command offlinehls acquires HLS streams and plain media files into a local
// store and serves them back for offline playback.
package main

func main() {
	Execute()
}
