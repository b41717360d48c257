package toolrunner

// ApktoolSpec apktool 解析顺序: override -> APKTOOL_CMD -> APKTOOL_BIN -> PATH
func ApktoolSpec(override string) Spec {
	return Spec{
		Name:     "apktool",
		Override: override,
		EnvVars:  []string{"APKTOOL_CMD", "APKTOOL_BIN"},
		Default:  "apktool",
	}
}

// ApktoolDecodeArgs apktool d -f -o <out> <apk>
func ApktoolDecodeArgs(apkPath, outDir string) []string {
	return []string{"d", "-f", "-o", outDir, apkPath}
}

// GitleaksSpec gitleaks 解析顺序: override -> GITLEAKS_BIN -> PATH
func GitleaksSpec(override string) Spec {
	return Spec{
		Name:     "gitleaks",
		Override: override,
		EnvVars:  []string{"GITLEAKS_BIN"},
		Default:  "gitleaks",
	}
}

// GitleaksDetectArgs 非 git 目录扫描，结果写入 JSON 报告，始终以 0 退出
func GitleaksDetectArgs(sourceDir, reportPath string) []string {
	return []string{
		"detect",
		"--source", sourceDir,
		"--no-git",
		"--report-format", "json",
		"--report-path", reportPath,
		"--exit-code", "0",
		"--redact",
	}
}

// YaraSpec yara 解析顺序: override -> YARA_BIN -> PATH
func YaraSpec(override string) Spec {
	return Spec{
		Name:     "yara",
		Override: override,
		EnvVars:  []string{"YARA_BIN"},
		Default:  "yara",
	}
}

// YaraScanArgs 递归扫描并输出匹配字符串
func YaraScanArgs(rulesPath, root string) []string {
	return []string{"-r", "-s", "-w", rulesPath, root}
}
