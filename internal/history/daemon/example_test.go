package daemon_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/beffjarker/jouster/internal/history/daemon"
	"github.com/beffjarker/jouster/internal/history/schema"
)

// ExampleFileWatcher demonstrates basic usage of the FileWatcher.
func ExampleFileWatcher() {
	dir, err := os.MkdirTemp("", "watcher-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fw, err := daemon.NewFileWatcher(func(name string) bool {
		return schema.IsSessionFile(schema.FilePattern, name)
	})
	if err != nil {
		log.Fatal(err)
	}
	defer fw.Stop()

	if err := fw.Start(dir); err != nil {
		log.Fatal(err)
	}

	go func() {
		for event := range fw.Events() {
			fmt.Printf("%s: %s\n", event.Op, filepath.Base(event.Path))
		}
	}()

	s := &schema.Session{ConversationID: "example", StartTime: time.Now()}
	if err := schema.WriteSessionFile(dir, s); err != nil {
		log.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
}
