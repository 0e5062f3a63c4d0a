package app

import (
	_ "github.com/liuran001/PlaybackResolver-Go/plugins/bilibili"
	_ "github.com/liuran001/PlaybackResolver-Go/plugins/netease"
)
