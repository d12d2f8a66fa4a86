// Package provision 负责设备与配置组的开通、更新与注销，以及有效配置与 apikey 的解析。
package provision
