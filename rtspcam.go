package main

import (
	"context"
	"fmt"
	"github.com/greendrake/rtspcam/camera"
	"github.com/greendrake/rtspcam/logger"
	"github.com/greendrake/rtspcam/status"
	"github.com/greendrake/server_client_hierarchy"
	"github.com/sirupsen/logrus"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var log = logrus.WithField("prefix", "main")

// The top node for holding and puppet-mastering all Camera nodes
type RTSPCam struct {
	server_client_hierarchy.Node
	webCastIDs []string
}

func New(ctx context.Context, camSet map[camera.CamName]*camera.Camera, statusPort string) *RTSPCam {
	app := &RTSPCam{}
	app.GetNode().ID = "RTSPCam"
	app.SetContextWaiter(ctx)
	for _, cam := range camSet {
		if cam.HasAnythingToDo() {
			for _, sId := range cam.WebCast {
				app.webCastIDs = append(app.webCastIDs, fmt.Sprintf("%v/%v", cam.Name, sId))
			}
			cam.Init()
			app.AddClient(cam)
		}
	}
	if len(app.webCastIDs) > 0 && statusPort != "" {
		getter := func(cam string, ssId string) status.Source {
			c, ok := camSet[camera.CamName(cam)]
			if !ok {
				return nil
			}
			sId, err := strconv.Atoi(ssId)
			if err != nil {
				return nil
			}
			return c.GetStream(camera.StreamID(sId))
		}
		go func() {
			if err := status.Run(ctx, statusPort, app.webCastIDs, getter); err != nil {
				log.Errorf("Status server: %v", err)
			}
		}()
	}
	return app
}

func GetWorkDir() string {
	ex, err := os.Executable()
	if err != nil {
		panic(err)
	}
	dir := filepath.Dir(ex)
	// Helpful when developing:
	// when running `go run`, the executable is in a temporary directory.
	if strings.Contains(dir, "go-build") {
		return "."
	}
	return dir
}

func main() {
	if err := os.Chdir(GetWorkDir()); err != nil {
		log.Fatal(err)
	}

	config, err := LoadConfig("config.yaml")
	if err != nil {
		log.Fatal(err)
	}
	closer, err := logger.Setup(config.Log, config.BaseDir)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	if len(config.Cameras) == 0 {
		log.Info("No cameras configured")
		return
	}
	log.Infof("Started with %v camera(s)", len(config.Cameras))
	anythingToDo := false
	camSet := make(map[camera.CamName]*camera.Camera)
	for _, cam := range config.Cameras {
		camSet[cam.Name] = cam
		if cam.HasAnythingToDo() {
			anythingToDo = true
		}
	}
	if !anythingToDo {
		log.Info("No cameras specify anything to do (Keep or WebCast)")
		return
	}
	// We've got some properly configured cameras, hence some real job to do.
	// Create a context that is responsive to signals:
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	app := New(ctx, camSet, config.StatusPort)
	app.Wait()
	log.Info("All finished")
}
