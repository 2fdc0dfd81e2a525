// Command boardctl is an admin REPL over a running board registry,
// grounded on the teacher's scm.Repl (same readline.Config shape, same
// per-line panic-recovery wrapper so one bad command never kills the
// session).
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tilecanvas/engine/board"
	"github.com/tilecanvas/engine/clock"
	"github.com/tilecanvas/engine/config"
	"github.com/tilecanvas/engine/registry"
	"github.com/tilecanvas/engine/store/memstore"
	"github.com/tilecanvas/engine/store/sqlstore"
)

const newprompt = "\033[32mboardctl>\033[0m "
const resultprompt = "\033[31m=\033[0m "

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("boardctl: config:", err)
		cfg = config.Default()
	}
	reg := registry.New(storeFactory(cfg), clock.Real{})
	defer reg.CloseAll()

	repl(reg)
}

func storeFactory(cfg config.Config) registry.StoreFactory {
	if cfg.StoreDriver == "mysql" || cfg.StoreDriver == "postgres" {
		return func(boardID int64) (board.Store, error) {
			return sqlstore.Open(cfg.StoreDriver, cfg.StoreDSN, boardID)
		}
	}
	return func(boardID int64) (board.Store, error) { return memstore.New(boardID), nil }
}

func repl(reg *registry.Registry) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".boardctl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Println("panic:", r, string(debug.Stack()))
				}
			}()
			var out bytes.Buffer
			runCommand(reg, strings.Fields(line), &out)
			fmt.Print(resultprompt)
			fmt.Println(out.String())
		}()
	}
}

func runCommand(reg *registry.Registry, args []string, out *bytes.Buffer) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "list":
		for _, id := range reg.List() {
			fmt.Fprintf(out, "%d\n", id)
		}
	case "create":
		cmdCreate(reg, args[1:], out)
	case "info":
		cmdInfo(reg, args[1:], out)
	case "stat":
		cmdStat(reg, args[1:], out)
	case "delete":
		cmdDelete(reg, args[1:], out)
	case "help":
		fmt.Fprint(out, "commands: list | create <id> <name> <w> <h> | info <id> | stat <id> <user> | delete <id>")
	default:
		fmt.Fprintf(out, "unknown command %q, try \"help\"", args[0])
	}
}

func cmdCreate(reg *registry.Registry, args []string, out *bytes.Buffer) {
	if len(args) != 4 {
		fmt.Fprint(out, "usage: create <id> <name> <width> <height>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid id: %v", err)
		return
	}
	w, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(out, "invalid width: %v", err)
		return
	}
	h, err := strconv.Atoi(args[3])
	if err != nil {
		fmt.Fprintf(out, "invalid height: %v", err)
		return
	}
	shape, err := board.NewShape([][]int{{w, h}})
	if err != nil {
		fmt.Fprintf(out, "invalid shape: %v", err)
		return
	}
	palette, err := board.NewPalette([]board.PaletteColor{
		{Index: 0, Name: "white", RGBValue: 0xFFFFFF},
		{Index: 1, Name: "black", RGBValue: 0x000000},
	})
	if err != nil {
		fmt.Fprintf(out, "invalid palette: %v", err)
		return
	}
	info := board.Info{
		ID:                 id,
		Name:               args[1],
		CreatedAtUnix:      time.Now().Unix(),
		Shape:              shape,
		Palette:            palette,
		MaxPixelsAvailable: 6,
	}
	if _, err := reg.Create(info, board.DefaultConfig()); err != nil {
		fmt.Fprintf(out, "create failed: %v", err)
		return
	}
	fmt.Fprintf(out, "created board %d", id)
}

func cmdInfo(reg *registry.Registry, args []string, out *bytes.Buffer) {
	if len(args) != 1 {
		fmt.Fprint(out, "usage: info <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid id: %v", err)
		return
	}
	b, ok := reg.Get(id)
	if !ok {
		fmt.Fprintf(out, "board %d not found", id)
		return
	}
	info := b.Info()
	fmt.Fprintf(out, "name=%s shape=%v sectors=%d sector_size=%d users=%d",
		info.Name, info.Shape.Dimensions(), info.Shape.SectorCount(), info.Shape.SectorSize(), b.UserCount(time.Now()))
}

func cmdStat(reg *registry.Registry, args []string, out *bytes.Buffer) {
	if len(args) != 2 {
		fmt.Fprint(out, "usage: stat <id> <user>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid id: %v", err)
		return
	}
	user, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid user: %v", err)
		return
	}
	b, ok := reg.Get(id)
	if !ok {
		fmt.Fprintf(out, "board %d not found", id)
		return
	}
	for color, count := range b.Statistics(user) {
		fmt.Fprintf(out, "color %d: %d\n", color, count)
	}
}

func cmdDelete(reg *registry.Registry, args []string, out *bytes.Buffer) {
	if len(args) != 1 {
		fmt.Fprint(out, "usage: delete <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid id: %v", err)
		return
	}
	ok, err := reg.Delete(context.Background(), id)
	switch {
	case !ok:
		fmt.Fprintf(out, "board %d not found", id)
	case err != nil:
		fmt.Fprintf(out, "deleted board %d, but purging persisted state failed: %v", id, err)
	default:
		fmt.Fprintf(out, "deleted board %d", id)
	}
}
