// Package config holds the server's runtime configuration: the option
// groups received over workspace/didChangeConfiguration and the optional
// dls.toml user file. Updates are tolerant — unknown sections and keys are
// ignored with a log line, malformed values are skipped per key.
package config

// SectionD is the main toolchain and feature-toggle group.
type SectionD struct {
	StdlibPath            []string `mapstructure:"stdlibPath" json:"stdlibPath"`
	ProjectImportPaths    []string `mapstructure:"projectImportPaths" json:"projectImportPaths"`
	DubPath               string   `mapstructure:"dubPath" json:"dubPath"`
	DmdPath               string   `mapstructure:"dmdPath" json:"dmdPath"`
	DcdClientPath         string   `mapstructure:"dcdClientPath" json:"dcdClientPath"`
	DcdServerPath         string   `mapstructure:"dcdServerPath" json:"dcdServerPath"`
	DscannerPath          string   `mapstructure:"dscannerPath" json:"dscannerPath"`
	DfmtPath              string   `mapstructure:"dfmtPath" json:"dfmtPath"`
	EnableAutoComplete    bool     `mapstructure:"enableAutoComplete" json:"enableAutoComplete"`
	EnableLinting         bool     `mapstructure:"enableLinting" json:"enableLinting"`
	EnableStaticLinting   bool     `mapstructure:"enableStaticLinting" json:"enableStaticLinting"`
	EnableDubLinting      bool     `mapstructure:"enableDubLinting" json:"enableDubLinting"`
	EnableFormatting      bool     `mapstructure:"enableFormatting" json:"enableFormatting"`
	NeverUseDub           bool     `mapstructure:"neverUseDub" json:"neverUseDub"`
	LintOnFileOpen        bool     `mapstructure:"lintOnFileOpen" json:"lintOnFileOpen"`
	ArgumentSnippets      bool     `mapstructure:"argumentSnippets" json:"argumentSnippets"`
	CompleteNoDupes       bool     `mapstructure:"completeNoDupes" json:"completeNoDupes"`
	ManyProjectsAction    string   `mapstructure:"manyProjectsAction" json:"manyProjectsAction"`
	ManyProjectsThreshold int      `mapstructure:"manyProjectsThreshold" json:"manyProjectsThreshold"`
}

// SectionDfmt mirrors the dfmt formatter options.
type SectionDfmt struct {
	AlignSwitchStatements    bool   `mapstructure:"alignSwitchStatements" json:"alignSwitchStatements"`
	BraceStyle               string `mapstructure:"braceStyle" json:"braceStyle"`
	OutdentAttributes        bool   `mapstructure:"outdentAttributes" json:"outdentAttributes"`
	SpaceAfterCast           bool   `mapstructure:"spaceAfterCast" json:"spaceAfterCast"`
	SplitOperatorAtLineEnd   bool   `mapstructure:"splitOperatorAtLineEnd" json:"splitOperatorAtLineEnd"`
	SelectiveImportSpace     bool   `mapstructure:"selectiveImportSpace" json:"selectiveImportSpace"`
	CompactLabeledStatements bool   `mapstructure:"compactLabeledStatements" json:"compactLabeledStatements"`
	TemplateConstraintStyle  string `mapstructure:"templateConstraintStyle" json:"templateConstraintStyle"`
	KeepLineBreaks           bool   `mapstructure:"keepLineBreaks" json:"keepLineBreaks"`
}

// SectionDscanner carries the lint keys passed through to dscanner.
type SectionDscanner struct {
	IgnoredKeys []string `mapstructure:"ignoredKeys" json:"ignoredKeys"`
}

// SectionEditor carries editor-side hints the server may consult.
type SectionEditor struct {
	Rulers  []int `mapstructure:"rulers" json:"rulers"`
	TabSize int   `mapstructure:"tabSize" json:"tabSize"`
}

// SectionGit locates the git executable.
type SectionGit struct {
	Path string `mapstructure:"path" json:"path"`
}

// Settings is the complete recognized configuration.
type Settings struct {
	D        SectionD        `mapstructure:"d" json:"d"`
	Dfmt     SectionDfmt     `mapstructure:"dfmt" json:"dfmt"`
	Dscanner SectionDscanner `mapstructure:"dscanner" json:"dscanner"`
	Editor   SectionEditor   `mapstructure:"editor" json:"editor"`
	Git      SectionGit      `mapstructure:"git" json:"git"`
}

// Default returns the settings in force before any client update.
func Default() Settings {
	return Settings{
		D: SectionD{
			DubPath:               "dub",
			DmdPath:               "dmd",
			DcdClientPath:         "dcd-client",
			DcdServerPath:         "dcd-server",
			DscannerPath:          "dscanner",
			DfmtPath:              "dfmt",
			EnableAutoComplete:    true,
			EnableLinting:         true,
			EnableStaticLinting:   true,
			EnableDubLinting:      true,
			EnableFormatting:      true,
			LintOnFileOpen:        true,
			ArgumentSnippets:      false,
			CompleteNoDupes:       true,
			ManyProjectsAction:    "ask",
			ManyProjectsThreshold: 6,
		},
		Dfmt: SectionDfmt{
			BraceStyle:              "allman",
			SplitOperatorAtLineEnd:  false,
			TemplateConstraintStyle: "conditional_newline_indent",
		},
		Editor: SectionEditor{
			TabSize: 4,
		},
		Git: SectionGit{
			Path: "git",
		},
	}
}

// sectionNames is the recognized group set, in a fixed order for logs.
var sectionNames = []string{"d", "dfmt", "dscanner", "editor", "git"}

func isKnownSection(name string) bool {
	for _, s := range sectionNames {
		if s == name {
			return true
		}
	}
	return false
}
