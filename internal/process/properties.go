package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lunara/lunara/internal/instance"
	"github.com/lunara/lunara/internal/storage"
)

// PropertiesFile 是服务端读取的配置文件名。
const PropertiesFile = "server.properties"

// propertyKeys 返回快捷选项对应的 server.properties 键值，顺序固定。
func propertyKeys(opts instance.QuickOptions) [][2]string {
	return [][2]string{
		{"white-list", strconv.FormatBool(opts.Whitelist)},
		{"enable-command-block", strconv.FormatBool(opts.CommandBlocks)},
		{"max-players", strconv.Itoa(opts.MaxPlayers)},
	}
}

// MergeProperties 在已有的 server.properties 内容上覆盖快捷选项，保留其余行与注释，缺失的键追加到末尾。
func MergeProperties(existing []byte, opts instance.QuickOptions) []byte {
	pending := propertyKeys(opts)
	values := make(map[string]string, len(pending))
	for _, kv := range pending {
		values[kv[0]] = kv[1]
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		line := scanner.Text()
		key := propertyKey(line)
		if value, ok := values[key]; ok {
			fmt.Fprintf(&out, "%s=%s\n", key, value)
			delete(values, key)
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	for _, kv := range pending {
		if value, ok := values[kv[0]]; ok {
			fmt.Fprintf(&out, "%s=%s\n", kv[0], value)
		}
	}
	return out.Bytes()
}

func propertyKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
		return ""
	}
	key, _, ok := strings.Cut(trimmed, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(key)
}

func (c *Controller) writeProperties(ctx context.Context, inst instance.Instance) error {
	locator := storage.Locator{Instance: inst.Name, Path: PropertiesFile}

	var existing []byte
	res, err := c.store.Get(ctx, locator)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		existing, err = io.ReadAll(res.Reader)
		res.Reader.Close()
		if err != nil {
			return err
		}
	}

	merged := MergeProperties(existing, inst.Options)
	_, err = c.store.Put(ctx, locator, bytes.NewReader(merged), storage.PutOptions{})
	return err
}
