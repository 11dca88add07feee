/*
Copyright 2022 The Coursedeck Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package prune reclaims what finished projects left behind: containers,
// images, and uploaded data files. Images referenced by a running or tagged
// project are protected from removal.
package prune

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/dustin/go-humanize"
	"github.com/fatih/semgroup"
	"github.com/robfig/cron"
	"github.com/spf13/afero"

	"github.com/coursedeck/coursedeck/pkg/coursedeck/config"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/constants"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/docker"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/errors"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/output/log"
	"github.com/coursedeck/coursedeck/pkg/coursedeck/store"
)

const (
	// maxConcurrentPrunes bounds the per-project routines of one sweep.
	maxConcurrentPrunes = 4

	removeRetryDelay = 250 * time.Millisecond
	removeRetries    = 3
)

// Summary aggregates one prune run.
type Summary struct {
	TotalFound     int
	SuccessCount   int
	ErrorCount     int
	Errors         []string
	ReclaimedBytes int64
}

// Pruner removes the daemon and filesystem leftovers of finished projects.
type Pruner struct {
	daemon   docker.Daemon
	projects store.Projects
	fs       afero.Fs
	cfg      *config.Config
}

// NewPruner wires a Pruner.
func NewPruner(daemon docker.Daemon, projects store.Projects, fs afero.Fs, cfg *config.Config) *Pruner {
	return &Pruner{daemon: daemon, projects: projects, fs: fs, cfg: cfg}
}

// PruneAll sweeps every stopped or failed untagged project. Projects are
// pruned concurrently; one failure does not affect the others.
func (p *Pruner) PruneAll(ctx context.Context) (*Summary, error) {
	ctx = log.WithEventContext(ctx, constants.Prune, constants.SubtaskIDNone)

	candidates, err := p.projects.PruneCandidates(ctx)
	if err != nil {
		return nil, err
	}
	protected, err := p.protectedImages(ctx, "")
	if err != nil {
		return nil, err
	}
	log.Entry(ctx).Infof("prune sweep: %d candidates, %d protected images", len(candidates), len(protected))

	summary := &Summary{TotalFound: len(candidates)}
	var mu sync.Mutex
	sg := semgroup.NewGroup(ctx, maxConcurrentPrunes)
	for _, candidate := range candidates {
		candidate := candidate
		sg.Go(func() error {
			reclaimed, err := p.pruneOne(ctx, &candidate, protected)

			mu.Lock()
			defer mu.Unlock()
			summary.ReclaimedBytes += reclaimed
			if err != nil {
				summary.ErrorCount++
				summary.Errors = append(summary.Errors, fmt.Sprintf("project %s: %v", candidate.ID, err))
				return nil
			}
			summary.SuccessCount++
			return nil
		})
	}
	_ = sg.Wait()

	log.Entry(ctx).Infof("pruned %d of %d projects, reclaimed %s",
		summary.SuccessCount, summary.TotalFound, humanize.Bytes(uint64(summary.ReclaimedBytes)))
	return summary, nil
}

// PruneProject prunes one project immediately. Unlike the sweep, the target's
// own tag does not protect its image; only other projects' references do.
func (p *Pruner) PruneProject(ctx context.Context, projectID string) (*Summary, error) {
	ctx = log.WithEventContext(ctx, constants.Prune, projectID)

	project, err := p.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status.Terminal() {
		return nil, errors.BadRequestf("project %s is already pruned", projectID)
	}
	if !project.Status.CanTransition(store.StatusPruned) {
		return nil, errors.BadRequestf("cannot prune a %s project, stop it first", project.Status)
	}

	protected, err := p.protectedImages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	reclaimed, err := p.pruneOne(ctx, project, protected)
	if err != nil {
		return nil, err
	}
	if reclaimed > 0 {
		log.Entry(ctx).Infof("reclaimed %s", humanize.Bytes(uint64(reclaimed)))
	}
	return &Summary{TotalFound: 1, SuccessCount: 1, ReclaimedBytes: reclaimed}, nil
}

// Schedule registers the daily sweep on c at the configured wall-clock time.
func (p *Pruner) Schedule(ctx context.Context, c *cron.Cron) error {
	spec, err := p.cfg.PruneSpec()
	if err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return errors.BadRequestf("parsing prune schedule %q: %v", spec, err)
	}
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := p.PruneAll(ctx); err != nil {
			log.Entry(ctx).Errorf("scheduled prune: %v", err)
		}
	}))
	log.Entry(ctx).Infof("prune scheduled daily at %s", p.cfg.PruneAt)
	return nil
}

// pruneOne walks one project through the prune steps. The row moves to pruned
// only once its container is confirmed gone; image and data-file cleanup
// failures are reported but do not block the transition.
func (p *Pruner) pruneOne(ctx context.Context, project *store.Project, protected map[string]bool) (int64, error) {
	var problems []string

	containerRemoved := true
	if project.ContainerID != nil && *project.ContainerID != "" {
		if err := p.removeContainer(ctx, *project.ContainerID); err != nil {
			containerRemoved = false
			problems = append(problems, fmt.Sprintf("removing container %s: %v", *project.ContainerID, err))
		}
	}

	var reclaimed int64
	if project.ImageHash != "" {
		if p.stillProtected(ctx, project, protected) {
			log.Entry(ctx).Debugf("image %s is still referenced, keeping it", project.ImageHash)
		} else {
			n, err := p.removeImage(ctx, project.ImageHash)
			if err != nil {
				problems = append(problems, fmt.Sprintf("removing image %s: %v", project.ImageHash, err))
			}
			reclaimed = n
		}
	}

	if project.DataFile != nil && *project.DataFile != "" {
		if err := p.removeDataFile(ctx, *project.DataFile); err != nil {
			problems = append(problems, fmt.Sprintf("removing data file %s: %v", *project.DataFile, err))
		}
	}

	if containerRemoved {
		if _, err := p.projects.Update(ctx, project.ID, store.Changes{
			"status":         store.StatusPruned,
			"container_id":   nil,
			"container_name": "",
			"data_file":      nil,
		}); err != nil {
			problems = append(problems, fmt.Sprintf("marking pruned: %v", err))
		}
	}

	if len(problems) > 0 {
		return reclaimed, errors.New(strings.Join(problems, "; "))
	}
	return reclaimed, nil
}

// protectedImages snapshots every image hash that must survive: those of
// running projects and those pinned by a tag. excludeID carves the target
// project out for on-demand prunes.
func (p *Pruner) protectedImages(ctx context.Context, excludeID string) (map[string]bool, error) {
	running, err := p.projects.ByStatus(ctx, store.StatusRunning)
	if err != nil {
		return nil, err
	}
	tagged, err := p.projects.Tagged(ctx)
	if err != nil {
		return nil, err
	}

	protected := map[string]bool{}
	for _, project := range append(running, tagged...) {
		if project.ID == excludeID || project.ImageHash == "" {
			continue
		}
		protected[project.ImageHash] = true
	}
	return protected, nil
}

// stillProtected consults the start-of-run snapshot, then the live rows: a
// deploy that began mid-run can pin an image the snapshot missed. When the
// re-check itself fails, the image is kept.
func (p *Pruner) stillProtected(ctx context.Context, project *store.Project, snapshot map[string]bool) bool {
	if snapshot[project.ImageHash] {
		return true
	}
	fresh, err := p.protectedImages(ctx, project.ID)
	if err != nil {
		log.Entry(ctx).Warnf("re-checking protected images: %v", err)
		return true
	}
	return fresh[project.ImageHash]
}

// removeContainer stops and removes a container. A container the daemon no
// longer knows counts as removed.
func (p *Pruner) removeContainer(ctx context.Context, id string) error {
	if err := p.daemon.StopContainer(ctx, id); err != nil && !errors.IsNotFound(err) {
		log.Entry(ctx).Debugf("stopping container %s: %v", id, err)
	}
	err := p.daemon.RemoveContainer(ctx, id)
	if err == nil || errors.IsNotFound(err) {
		return nil
	}
	return err
}

// removeImage deletes an image and reports its size. A conflict means some
// container still references the image; those are evicted and the removal
// retried, since the daemon can lag while they wind down.
func (p *Pruner) removeImage(ctx context.Context, imageHash string) (int64, error) {
	var size int64
	if img, err := p.daemon.InspectImage(ctx, imageHash); err == nil {
		size = img.Size
	}

	err := p.daemon.RemoveImage(ctx, imageHash)
	switch {
	case err == nil || errors.IsNotFound(err):
		return size, nil
	case !errors.IsConflict(err):
		return 0, err
	}

	if err := p.evictImageUsers(ctx, imageHash); err != nil {
		return 0, err
	}

	retry := backoff.WithMaxRetries(backoff.NewConstantBackOff(removeRetryDelay), removeRetries)
	if err := backoff.Retry(func() error {
		err := p.daemon.RemoveImage(ctx, imageHash)
		if err == nil || errors.IsNotFound(err) {
			return nil
		}
		return err
	}, backoff.WithContext(retry, ctx)); err != nil {
		return 0, err
	}
	return size, nil
}

func (p *Pruner) evictImageUsers(ctx context.Context, imageHash string) error {
	containers, err := p.daemon.ListContainers(ctx, true)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if !referencesImage(c, imageHash) {
			continue
		}
		log.Entry(ctx).Debugf("container %s still references image %s, removing it", c.ID, imageHash)
		if err := p.removeContainer(ctx, c.ID); err != nil {
			log.Entry(ctx).Warnf("removing container %s: %v", c.ID, err)
		}
	}
	return nil
}

// referencesImage matches by hash prefix in both directions, covering short
// ids and tag-resolved references.
func referencesImage(c types.Container, imageHash string) bool {
	for _, ref := range []string{c.ImageID, c.Image} {
		if ref == "" {
			continue
		}
		if strings.HasPrefix(ref, imageHash) || strings.HasPrefix(imageHash, ref) {
			return true
		}
	}
	return false
}

// removeDataFile unlinks a project's uploaded data file. A file already gone
// satisfies the goal.
func (p *Pruner) removeDataFile(ctx context.Context, dataFile string) error {
	hostPath := p.cfg.HostPath(dataFile)
	if _, err := p.fs.Stat(hostPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	log.Entry(ctx).Debugf("removing data file %s", hostPath)
	return p.fs.Remove(hostPath)
}
