package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ndlib/vellum/client"
)

var (
	server    = flag.String("server", "http://localhost:14100", "vellum server to use")
	token     = flag.String("token", "", "API token, if the server needs one")
	priority  = flag.String("priority", "normal", "priority of writes, normal or high")
	immediate = flag.Bool("immediate", false, "skip the write queue")
	usage     = `
vutil <command> <command arguments>

Possible commands:
    get <root> [<path>]

    put <root> [<path>]          (content is read from stdin)

    handles

    save <id> <location> [file|directory]

    remove <id>

    permission <id> [request]

    backups <root> [<path>]

    snapshot <name>

    stats
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client.Connection{HostURL: strings.TrimSuffix(*server, "/"), Token: *token}
	var err error
	switch args[0] {
	case "get":
		err = doget(c, args[1:])
	case "put":
		err = doput(c, args[1:])
	case "handles":
		err = dohandles(c)
	case "save":
		err = dosave(c, args[1:])
	case "remove":
		err = needArgs(args, 2, func() error { return c.RemoveHandle(args[1]) })
	case "permission":
		err = dopermission(c, args[1:])
	case "backups":
		err = dobackups(c, args[1:])
	case "snapshot":
		err = needArgs(args, 2, func() error {
			text, err := c.Snapshot(args[1])
			fmt.Print(text)
			return err
		})
	case "stats":
		err = dostats(c)
	default:
		err = fmt.Errorf("unknown command %s", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func needArgs(args []string, n int, f func() error) error {
	if len(args) < n {
		return fmt.Errorf("%s needs %d arguments", args[0], n-1)
	}
	return f()
}

// rootPath splits the arguments into a root and an optional path.
func rootPath(args []string) (string, string, error) {
	switch len(args) {
	case 1:
		return args[0], "", nil
	case 2:
		return args[0], args[1], nil
	}
	return "", "", fmt.Errorf("expected <root> [<path>]")
}

func doget(c *client.Connection, args []string) error {
	root, path, err := rootPath(args)
	if err != nil {
		return err
	}
	text, err := c.Read(root, path, false)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func doput(c *client.Connection, args []string) error {
	root, path, err := rootPath(args)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	op, err := c.Write(root, path, string(content), *priority, *immediate)
	if err != nil {
		return err
	}
	if !*immediate {
		op, err = c.Wait(op.ID)
		if err != nil {
			return err
		}
	}
	fmt.Printf("%s %s after %d failed attempts\n", op.ID, op.Status, op.Attempt)
	if op.Status != "success" {
		return fmt.Errorf("%s", op.LastError)
	}
	return nil
}

func dohandles(c *client.Connection) error {
	list, err := c.Handles()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "ID\tKind\tName")
	for _, h := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.ID, h.Kind, h.DisplayName)
	}
	return w.Flush()
}

func dosave(c *client.Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("expected <id> <location> [file|directory]")
	}
	kind := "directory"
	if len(args) > 2 {
		kind = args[2]
	}
	h, err := c.SaveHandle(args[0], args[1], kind)
	if err != nil {
		return err
	}
	printHandle(h)
	return nil
}

func dopermission(c *client.Connection, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("expected <id> [request]")
	}
	request := len(args) > 1 && args[1] == "request"
	h, err := c.Permission(args[0], request)
	if err != nil {
		return err
	}
	printHandle(h)
	return nil
}

func printHandle(h client.Handle) {
	access := "granted"
	if !h.Granted {
		access = "NOT granted"
	}
	fmt.Printf("%s (%s %s): access %s\n", h.ID, h.Kind, h.DisplayName, access)
}

func dobackups(c *client.Connection, args []string) error {
	root, path, err := rootPath(args)
	if err != nil {
		return err
	}
	list, err := c.Backups(root, path)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "Captured\tName")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\n", b.CapturedAt.Local().Format("2006-01-02 15:04:05"), b.Name)
	}
	return w.Flush()
}

func dostats(c *client.Connection) error {
	v, err := c.Stats()
	if err != nil {
		return err
	}
	version, _ := v.GetString("version")
	queued, _ := v.GetInt64("queueLength")
	fmt.Printf("server version %s, %d writes queued\n", version, queued)
	if cache, err := v.GetObject("cache"); err == nil {
		for _, k := range []string{"entries", "maxEntries", "hits", "misses", "evictions", "expired"} {
			n, _ := cache.GetInt64(k)
			fmt.Printf("cache %-12s %d\n", k, n)
		}
	}
	return nil
}
