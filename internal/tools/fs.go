package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxFileRead caps how much of a file is fed back to the model.
const maxFileRead = 1024 * 1024

func registerFileTools(r *Registry, deps Deps) {
	r.Register(fileReadTool(deps))
	r.Register(fileWriteTool(deps))
	r.Register(fileListTool(deps))
}

// resolveWorkspacePath joins p under root and rejects escapes.
func resolveWorkspacePath(root, p string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, p)
	}
	abs = filepath.Clean(abs)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return abs, nil
}

func fileReadTool(deps Deps) *Tool {
	return &Tool{
		Name:        "file_read",
		Description: "Read a file from the workspace. Binary files can be returned base64 encoded.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":   map[string]interface{}{"type": "string"},
				"base64": map[string]interface{}{"type": "boolean", "description": "return raw bytes as base64"},
			},
			"required": []interface{}{"path"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			p, _ := args["path"].(string)
			abs, err := resolveWorkspacePath(deps.Workspace, p)
			if err != nil {
				return ErrorResult(err.Error())
			}
			info, err := os.Stat(abs)
			if err != nil {
				return ErrorResult("cannot read: " + err.Error())
			}
			if info.IsDir() {
				return ErrorResult(p + " is a directory")
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return ErrorResult("cannot read: " + err.Error())
			}
			truncated := false
			if len(data) > maxFileRead {
				data = data[:maxFileRead]
				truncated = true
			}
			var body string
			if b64, _ := args["base64"].(bool); b64 {
				body = base64.StdEncoding.EncodeToString(data)
			} else {
				body = string(data)
			}
			res := NewResult(body)
			if truncated {
				res.ForLLM += "\n[file truncated at 1MB]"
				res.Truncated = true
			}
			return res
		},
	}
}

func fileWriteTool(deps Deps) *Tool {
	return &Tool{
		Name:        "file_write",
		Description: "Write content to a file in the workspace, creating parent directories.",
		Kind:        KindBuiltin,
		Destructive: true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
				"append":  map[string]interface{}{"type": "boolean"},
			},
			"required": []interface{}{"path", "content"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			p, _ := args["path"].(string)
			content, _ := args["content"].(string)
			abs, err := resolveWorkspacePath(deps.Workspace, p)
			if err != nil {
				return ErrorResult(err.Error())
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return ErrorResult("cannot create directory: " + err.Error())
			}
			if doAppend, _ := args["append"].(bool); doAppend {
				f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return ErrorResult("cannot open: " + err.Error())
				}
				defer f.Close()
				if _, err := f.WriteString(content); err != nil {
					return ErrorResult("cannot write: " + err.Error())
				}
			} else if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return ErrorResult("cannot write: " + err.Error())
			}
			return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), p))
		},
	}
}

func fileListTool(deps Deps) *Tool {
	return &Tool{
		Name:        "file_list",
		Description: "List files in a workspace directory.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "directory, defaults to the workspace root"},
			},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			p, _ := args["path"].(string)
			if p == "" {
				p = "."
			}
			abs, err := resolveWorkspacePath(deps.Workspace, p)
			if err != nil {
				return ErrorResult(err.Error())
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return ErrorResult("cannot list: " + err.Error())
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return NewResult("(empty directory)")
			}
			return NewResult(strings.Join(names, "\n"))
		},
	}
}
