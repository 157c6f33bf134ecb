// Command upload is a headless demonstration of the transfer engine. It creates a Vulkan
// 1.2 device, streams a small mesh and a generated texture to the GPU through the staging
// arena, waits for the upload timeline to catch up, and prints transfer and memory
// statistics as JSON.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
	"golang.org/x/exp/slog"

	"github.com/PSYTROPS/graphics/device"
	"github.com/PSYTROPS/graphics/transfer"
)

const textureSide = 256

type vertex struct {
	Position mgl32.Vec3
	Color    mgl32.Vec4
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("upload failed: %+v", err)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	loader, err := core.CreateSystemLoader()
	if err != nil {
		return err
	}

	instanceExtensions, _, err := loader.AvailableExtensions()
	if err != nil {
		return err
	}

	var instanceExtensionNames []string
	var flags core1_0.InstanceCreateFlags
	_, ok := instanceExtensions[khr_portability_enumeration.ExtensionName]
	if ok {
		instanceExtensionNames = append(instanceExtensionNames, khr_portability_enumeration.ExtensionName)
		flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	instance, _, err := loader.CreateInstance(nil, core1_0.InstanceCreateInfo{
		ApplicationName:       "upload",
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "graphics",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_2,
		EnabledExtensionNames: instanceExtensionNames,
		Flags:                 flags,
	})
	if err != nil {
		return err
	}
	defer instance.Destroy(nil)

	gpus, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		return err
	}
	if len(gpus) == 0 {
		return fmt.Errorf("no vulkan devices available")
	}
	physicalDevice := gpus[0]

	vkDevice, err := createDevice(physicalDevice)
	if err != nil {
		return err
	}
	defer vkDevice.Destroy(nil)

	ctx, err := device.New(logger, instance, physicalDevice, vkDevice, nil, device.Options{})
	if err != nil {
		return err
	}
	defer ctx.Destroy()

	engine, err := transfer.NewEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Destroy()

	return upload(ctx, engine)
}

func createDevice(physicalDevice core1_0.PhysicalDevice) (core1_0.Device, error) {
	graphicsFamily := -1
	transferFamily := -1
	for queueIndex, queueFamily := range physicalDevice.QueueFamilyProperties() {
		if graphicsFamily < 0 && queueFamily.QueueFlags&core1_0.QueueGraphics != 0 {
			graphicsFamily = queueIndex
		}
		if transferFamily < 0 &&
			queueFamily.QueueFlags&core1_0.QueueTransfer != 0 &&
			queueFamily.QueueFlags&core1_0.QueueGraphics == 0 {
			transferFamily = queueIndex
		}
	}
	if graphicsFamily < 0 {
		return nil, fmt.Errorf("no graphics queue family")
	}

	queueCreateInfos := []core1_0.DeviceQueueCreateInfo{
		{
			QueueFamilyIndex: graphicsFamily,
			QueuePriorities:  []float32{0.0},
		},
	}
	if transferFamily >= 0 {
		queueCreateInfos = append(queueCreateInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: transferFamily,
			QueuePriorities:  []float32{0.0},
		})
	}

	var deviceExtensionNames []string
	deviceExtensions, _, err := physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		return nil, err
	}
	_, ok := deviceExtensions[khr_portability_subset.ExtensionName]
	if ok {
		deviceExtensionNames = append(deviceExtensionNames, khr_portability_subset.ExtensionName)
	}

	vkDevice, _, err := physicalDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueCreateInfos,
		EnabledExtensionNames: deviceExtensionNames,
		NextOptions: common.NextOptions{Next: core1_2.PhysicalDeviceVulkan12Features{
			TimelineSemaphore: true,
		}},
	})
	return vkDevice, err
}

func upload(ctx *device.Context, engine *transfer.Engine) error {
	meshData, err := buildMesh()
	if err != nil {
		return err
	}

	buffers, meshBlock, err := ctx.CreateBuffers([]core1_0.BufferCreateInfo{
		{
			Size:        len(meshData),
			Usage:       core1_0.BufferUsageTransferDst | core1_0.BufferUsageVertexBuffer,
			SharingMode: core1_0.SharingModeExclusive,
		},
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}
	defer meshBlock.Free()
	defer buffers[0].Destroy(nil)

	images, textureBlock, err := ctx.CreateImages([]core1_0.ImageCreateInfo{
		{
			ImageType: core1_0.ImageType2D,
			Format:    core1_0.FormatR8G8B8A8UnsignedNormalized,
			Extent: core1_0.Extent3D{
				Width:  textureSide,
				Height: textureSide,
				Depth:  1,
			},
			MipLevels:     1,
			ArrayLayers:   1,
			Samples:       core1_0.Samples1,
			Tiling:        core1_0.ImageTilingOptimal,
			Usage:         core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled,
			SharingMode:   core1_0.SharingModeExclusive,
			InitialLayout: core1_0.ImageLayoutUndefined,
		},
	}, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}
	defer textureBlock.Free()
	defer images[0].Destroy(nil)

	txn := transfer.NewTransaction(ctx.TransferQueueFamily, ctx.GraphicsQueueFamily)
	txn.WriteBuffer(meshData, buffers[0], 0)
	txn.WriteImage(buildTexture(), images[0], core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}, []core1_0.BufferImageCopy{
		{
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageExtent: core1_0.Extent3D{
				Width:  textureSide,
				Height: textureSide,
				Depth:  1,
			},
		},
	}, core1_0.ImageLayoutShaderReadOnlyOptimal)

	semaphore, value, err := engine.Submit(txn, 0)
	if err != nil {
		return err
	}
	txn.Clear()

	res, err := ctx.Timeline.WaitSemaphores(device.WaitTimeout, core1_2.SemaphoreWaitInfo{
		Semaphores: []core1_0.Semaphore{semaphore},
		Values:     []uint64{value},
	})
	if err != nil {
		return err
	}

	ctx.Logger.LogAttrs(context.Background(), slog.LevelInfo, "upload complete",
		slog.Uint64("timelineValue", value),
		slog.String("result", res.String()),
	)

	transferWriter := jwriter.NewWriter()
	engine.PrintStats(&transferWriter)
	if transferWriter.Error() != nil {
		return transferWriter.Error()
	}
	fmt.Println(string(transferWriter.Bytes()))

	blockWriter := jwriter.NewWriter()
	ctx.PrintBlockStats(&blockWriter)
	if blockWriter.Error() != nil {
		return blockWriter.Error()
	}
	fmt.Println(string(blockWriter.Bytes()))

	return nil
}

// buildMesh serializes a colored triangle spun around the Z axis, one copy per 120 degrees
func buildMesh() ([]byte, error) {
	corner := mgl32.Vec3{0, -0.5, 0}
	colors := []mgl32.Vec4{
		{1, 0, 0, 1},
		{0, 1, 0, 1},
		{0, 0, 1, 1},
	}

	vertices := make([]vertex, 0, len(colors))
	for cornerIndex, color := range colors {
		rotation := mgl32.HomogRotate3DZ(mgl32.DegToRad(float32(cornerIndex) * 120))
		vertices = append(vertices, vertex{
			Position: mgl32.TransformCoordinate(corner, rotation),
			Color:    color,
		})
	}

	buf := &bytes.Buffer{}
	err := binary.Write(buf, common.ByteOrder, vertices)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildTexture generates an RGBA checkerboard
func buildTexture() []byte {
	pixels := make([]byte, 0, textureSide*textureSide*4)
	for y := 0; y < textureSide; y++ {
		for x := 0; x < textureSide; x++ {
			shade := byte(0x20)
			if (x/32+y/32)%2 == 0 {
				shade = 0xe0
			}
			pixels = append(pixels, shade, shade, shade, 0xff)
		}
	}
	return pixels
}
