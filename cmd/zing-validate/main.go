package main

import (
	"fmt"
	"os"
	"path"

	"github.com/zinghub/zingdb/internal/template"
)

func main() {
	args := os.Args
	var template_path string

	if len(args) > 1 {
		template_path = args[1]
	} else {
		template_path = "./template.json"
	}

	if !path.IsAbs(template_path) {
		cwd, _ := os.Getwd()
		template_path = path.Join(cwd, template_path)
	}

	fmt.Printf("Checking %s for errors\n", template_path)

	template_data, err := os.ReadFile(template_path)
	if err != nil {
		fmt.Printf("Error: %s\n", err.Error())
		os.Exit(1)
	}

	doc, err := template.Parse(template_data)
	if err != nil {
		fmt.Printf("Invalid template; %s\n", err.Error())
		os.Exit(1)
	}

	if errs := template.Validate(doc); len(errs) > 0 {
		fmt.Printf("Invalid template; %d problems\n", len(errs))
		for _, e := range errs {
			fmt.Printf("  %s\n", e.Error())
		}
		os.Exit(1)
	}

	fmt.Println("Template checks successful: Template is valid")
}
