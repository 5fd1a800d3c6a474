package jobs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/zulandar/sge/internal/models"
	"github.com/zulandar/sge/internal/sheet"
	"github.com/zulandar/sge/internal/steam"
)

// StoreURLPrefix is prepended to the app id in the first column.
const StoreURLPrefix = "https://store.steampowered.com/app/"

// ProfileColumns are the columns taken from the owned-games response.
var ProfileColumns = []string{
	"store_url", "name", "playtime_forever", "playtime_windows_forever",
	"playtime_mac_forever", "playtime_linux_forever",
}

// InfoColumns are the columns taken from the metadata cache.
var InfoColumns = []string{
	"type", "developers", "publishers", "is_free", "on_linux", "on_mac",
	"on_windows", "supported_languages", "controller_support", "age_gate",
	"categories", "genres", "release_date", "unavailable",
}

func profileRow(g steam.OwnedGame) []any {
	return []any{
		StoreURLPrefix + strconv.FormatInt(g.AppID, 10),
		g.Name,
		g.PlaytimeForever,
		g.PlaytimeWindowsForever,
		g.PlaytimeMacForever,
		g.PlaytimeLinuxForever,
	}
}

func infoCells(info models.GameInfo) []any {
	return []any{
		info.Type,
		info.Developers,
		info.Publishers,
		info.IsFree,
		info.OnLinux,
		info.OnMac,
		info.OnWindows,
		info.SupportedLanguages,
		info.ControllerSupport,
		info.AgeGate,
		info.Categories,
		info.Genres,
		info.ReleaseDate,
		info.Unavailable,
	}
}

// SimpleTable builds the profile-only export.
func SimpleTable(games []steam.OwnedGame) *sheet.Table {
	t := &sheet.Table{
		Header: append([]string(nil), ProfileColumns...),
		Rows:   make([][]any, 0, len(games)),
	}
	for _, g := range games {
		t.Rows = append(t.Rows, profileRow(g))
	}
	return t
}

// CombinedTable joins games with their cached metadata, one row per game in
// input order. Apps without a cache row get empty metadata cells.
func (c *Coordinator) CombinedTable(ctx context.Context, games []steam.OwnedGame) (*sheet.Table, error) {
	infos, err := c.Store.GameInfos(ctx, appIDs(games))
	if err != nil {
		return nil, fmt.Errorf("jobs: build table: %w", err)
	}

	header := make([]string, 0, len(ProfileColumns)+len(InfoColumns))
	header = append(header, ProfileColumns...)
	header = append(header, InfoColumns...)
	t := &sheet.Table{Header: header, Rows: make([][]any, 0, len(games))}

	for _, g := range games {
		row := profileRow(g)
		if info, ok := infos[g.AppID]; ok {
			row = append(row, infoCells(info)...)
		} else {
			row = append(row, make([]any, len(InfoColumns))...)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
