// Copyright 2024 The VeridianOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command veridianosctl drives a VeridianOS kernel core from the outside:
// booting it from a manifest, running the seed end-to-end scenarios of
// spec §8 against a live instance, and inspecting a running one.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/doublegate/veridianos/pkg/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&selftestCmd{}, "")
	subcommands.Register(&inspectCmd{}, "")

	flag.Parse()
	ctx := context.Background()

	log.SetLevel("info")
	os.Exit(int(subcommands.Execute(ctx)))
}
