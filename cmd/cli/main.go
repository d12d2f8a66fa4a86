package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"iotagent/cmd/cli/command"
)

// 打印欢迎信息
func printWelcomeMessage() {
	fmt.Println("Welcome to the IoT Agent console! Type 'exit' to quit.")
	fmt.Println("Type 'help' to see the list of available commands.")
}

// 打印帮助信息
func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  devices list|get <id>|provision <file>|remove <id>")
	fmt.Println("  groups list|provision <file>|remove <resource> <apikey> [--devices]")
	fmt.Println("  tenant <service> <subservice>   Switch the fiware-service headers.")
	fmt.Println("  help                            Show this help message.")
	fmt.Println("  exit                            Exit the console.")
}

func main() {
	client := command.NewClient()
	// 带参数时按单条命令执行，否则进入 REPL
	rootCmd := command.NewRootCommand(client)
	if len(os.Args) > 1 {
		rootCmd.SetArgs(os.Args[1:])
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	printWelcomeMessage()

	for {
		fmt.Printf("[%s %s]> ", client.Service, client.Subservice)
		if !scanner.Scan() {
			break
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}

		switch strings.ToLower(args[0]) {
		case "exit", "quit":
			fmt.Println("Bye.")
			return
		case "help":
			printHelp()
		case "tenant":
			if len(args) != 3 {
				fmt.Println("Usage: tenant <service> <subservice>")
				continue
			}
			client.Service, client.Subservice = args[1], args[2]
		case "devices", "groups", "services":
			// 每次重新构建命令，避免上一轮的 flag 值残留
			cmd := command.NewRootCommand(client)
			cmd.SetArgs(args)
			if err := cmd.ExecuteContext(context.Background()); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		default:
			fmt.Printf("Unknown command: %s\n", args[0])
			fmt.Println("Type 'help' to see the list of available commands.")
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}
