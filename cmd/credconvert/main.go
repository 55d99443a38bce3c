package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "credconvert.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `credconvert turns a folder of collected electron diffraction frames into
the input file sets of the crystallography processing programs.

Usage:
	credconvert <command>

Commands:
	run
	collect
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `credconvert is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

The input folder is scanned for numbered 16-bit TIFF frames (00001.tiff,
00002.tiff, ...); the number is the frame's sequence index and gaps are
handled as dropped frames.

Angles in the configuration are in degrees, including the rotation axis.

The "formats" list selects the outputs, any of:
- smv    SMV/ADSC image files for XDS under <output>/SMV/data
- xds    XDS.INP (implies geometric correction tables when stretch
         correction is enabled)
- dials  DIALS variable scripts and blank placeholder frames for any
         dropped indices
- mrc    MRC image files for REDp under <output>/RED
- ed3d   1.ed3d scan description for REDp
- red    shifts.sc shift-correction file for REDp
- tiff   TIFF image files under <output>/tiff
- pets   pets.pts input file for PETS
- centers beam_centers.txt with the per-frame estimates

The "profile" field selects the XDS template variant: base, dm, or tvips.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("credconvert version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if err := Run(c); err != nil {
		log.Fatal(err)
	}
}

func collect() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if err := Collect(c); err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "collect":
		collect()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
