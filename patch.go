package builder

import (
	"context"
	"strings"

	"github.com/golang/glog"
)

// called with the remote outcome of a light change. `result.Success`
// false or a non-nil error means the caller should fall back to a full
// save. the optimistic local edit is kept either way
type LightChangeRemoteFunc func(result *LightUpdateFileResult, err error)

// applies minimal old-string to new-string edits to cached file content
// without a full round trip
type PatchEngine struct {
	ctx context.Context

	cache *CacheStore
	api   *BuilderApi

	broadcast func(message *SyncMessage)
}

func NewPatchEngine(ctx context.Context, cache *CacheStore, api *BuilderApi, broadcast func(message *SyncMessage)) *PatchEngine {
	return &PatchEngine{
		ctx:       ctx,
		cache:     cache,
		api:       api,
		broadcast: broadcast,
	}
}

// replaces the first literal occurrence of `change.OldString` in the
// cached file. `Applied` false means the old string was not found and
// nothing changed; callers fall back to a full update rather than
// silently losing the edit
func (self *PatchEngine) ApplyLightChange(change *LightChange, remoteCallback LightChangeRemoteFunc) *LightChangeResult {
	workspaceId, ok := self.cache.WorkspaceForFile(change.FileId)
	if !ok {
		lightChangesTotal.WithLabelValues("unknown_file").Inc()
		return &LightChangeResult{
			Applied: false,
		}
	}

	files, err := self.cache.Get(self.ctx, workspaceId)
	if err != nil {
		lightChangesTotal.WithLabelValues("unknown_file").Inc()
		return &LightChangeResult{
			Applied: false,
		}
	}
	file := files.FileById(change.FileId)
	if file == nil {
		lightChangesTotal.WithLabelValues("unknown_file").Inc()
		return &LightChangeResult{
			Applied: false,
		}
	}

	// first occurrence only
	nextContent := strings.Replace(file.Content, change.OldString, change.NewString, 1)
	if nextContent == file.Content {
		// the old string is absent. report the no-op, do not accept it
		lightChangesTotal.WithLabelValues("not_applicable").Inc()
		return &LightChangeResult{
			Applied:  false,
			FileName: file.FileName,
		}
	}

	fileName, _, ok := self.cache.UpdateFileContent(change.FileId, nextContent)
	if !ok {
		lightChangesTotal.WithLabelValues("unknown_file").Inc()
		return &LightChangeResult{
			Applied: false,
		}
	}
	lightChangesTotal.WithLabelValues("applied").Inc()

	if self.broadcast != nil {
		fileId := change.FileId
		self.broadcast(&SyncMessage{
			Type:        SyncMessageFileUpdated,
			WorkspaceId: workspaceId,
			FileId:      &fileId,
			Content:     nextContent,
		})
	}

	// push to the remote store. on failure the local cache keeps the
	// optimistic edit and the caller decides whether to retry or fall
	// back to a full save. the authoritative remote copy wins on the
	// next full fetch
	self.api.LightUpdateFile(
		change.FileId,
		&LightUpdateFileArgs{
			OldString:  change.OldString,
			NewString:  change.NewString,
			LineNumber: change.LineHint,
		},
		NewApiCallback[*LightUpdateFileResult](func(result *LightUpdateFileResult, err error) {
			if err != nil {
				glog.Infof("[patch]remote %s = %s\n", fileName, err)
			}
			if remoteCallback != nil {
				remoteCallback(result, err)
			}
		}),
	)

	return &LightChangeResult{
		Applied:  true,
		FileName: fileName,
	}
}
