package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/vm"
)

func replCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	load := fs.Bool("load", false, "Load the project's sources first")
	fs.Parse(args)

	var (
		v   *vm.VM
		err error
	)
	if *load {
		v, err = preloadedVM(m, os.Stdout)
	} else {
		v, err = newVM(m, false, os.Stdout)
	}
	if err != nil {
		return err
	}
	for _, file := range fs.Args() {
		if _, err := loadFile(v, file); err != nil {
			return err
		}
	}

	runREPL(v, isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()))
	return nil
}

// runREPL reads top-level forms until EOF. A form is evaluated once its
// parentheses balance, or on an empty line.
func runREPL(v *vm.VM, interactive bool) {
	if interactive {
		fmt.Println("Kestrel REPL (type 'exit' to quit, ':help' for commands)")
		fmt.Println()
	}

	scanner := bufio.NewScanner(os.Stdin)
	lineBuffer := strings.Builder{}

	for {
		if interactive {
			if lineBuffer.Len() == 0 {
				fmt.Print(">> ")
			} else {
				fmt.Print(".. ")
			}
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		if lineBuffer.Len() == 0 {
			trimmed := strings.TrimSpace(line)
			if trimmed == "exit" || trimmed == "quit" {
				break
			}
			if strings.HasPrefix(trimmed, ":") {
				handleREPLCommand(v, trimmed)
				continue
			}
		}

		if lineBuffer.Len() > 0 {
			lineBuffer.WriteString("\n")
		}
		lineBuffer.WriteString(line)

		input := strings.TrimSpace(lineBuffer.String())
		if input == "" {
			lineBuffer.Reset()
			continue
		}
		if line == "" || balanced(input) {
			lineBuffer.Reset()
			evalAndPrint(v, input)
		}
	}

	if interactive {
		fmt.Println()
	}
}

// handleREPLCommand handles REPL meta-commands
func handleREPLCommand(v *vm.VM, cmd string) {
	name, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case ":help", ":h", ":?":
		fmt.Println("REPL Commands:")
		fmt.Println("  :help, :h, :?      Show this help")
		fmt.Println("  :globals [prefix]  List global variables")
		fmt.Println("  :flags             Show VM flags")
		fmt.Println("  :collect           Run the garbage collector")
		fmt.Println("  :profile           Show the opcode profile")
		fmt.Println("  :reset             Clear registers and the stack")
		fmt.Println("  exit, quit         Exit REPL")
	case ":globals":
		names := v.GlobalNames()
		sort.Strings(names)
		for _, n := range names {
			if strings.HasPrefix(n, arg) {
				fmt.Println(n)
			}
		}
	case ":flags":
		flags := v.Flags()
		for _, n := range vm.FlagNames() {
			if val, ok := flags.Get(n); ok {
				fmt.Printf("%-24s %s\n", n, v.WriteString(val))
			}
		}
	case ":collect":
		v.Collect()
		fmt.Println("collected")
	case ":profile":
		if err := v.DisplayOpcodeProfile(os.Stdout); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case ":reset":
		v.Reset()
	default:
		fmt.Printf("Unknown command: %s (type :help for commands)\n", cmd)
	}
}

// evalAndPrint runs input and prints its value
func evalAndPrint(v *vm.VM, input string) {
	result, err := v.Load(input, "repl")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		v.Reset()
		return
	}
	if result != vm.Unspecified {
		fmt.Println(v.WriteString(result))
	}
}

// balanced reports whether every open parenthesis in src is closed,
// ignoring strings, character literals and comments.
func balanced(src string) bool {
	depth := 0
	inString := false
	rs := []rune(src)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if inString {
			switch r {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case ';':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case '#':
			if i+1 < len(rs) && rs[i+1] == '\\' {
				i += 2
			}
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		}
	}
	return depth <= 0 && !inString
}
