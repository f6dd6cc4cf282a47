package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

var (
	loaderOnce sync.Once
	loaderErr  error
)

// loadVulkan resolves the loader once per process.
func loadVulkan() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("vulkan: loader not found: %w", err)
			return
		}
		if err := vk.Init(); err != nil {
			loaderErr = fmt.Errorf("vulkan: init: %w", err)
		}
	})
	return loaderErr
}

type vulkanDevice struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	// QueueIndex is a family that accepts graphics, compute and transfer work.
	QueueIndex uint32
	Queue      vk.Queue

	Properties vk.PhysicalDeviceProperties
	Limits     vk.PhysicalDeviceLimits
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	CommandPool vk.CommandPool
}

func availableLayers() ([]string, error) {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return nil, resultError("vkEnumerateInstanceLayerProperties", res)
	}
	props := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, props); res != vk.Success {
		return nil, resultError("vkEnumerateInstanceLayerProperties", res)
	}
	names := make([]string, 0, count)
	for i := range props {
		props[i].Deref()
		names = append(names, cString(props[i].LayerName[:]))
	}
	return names, nil
}

// createInstance builds a surfaceless instance. A missing validation layer is
// reported as a warning and the instance comes up without it.
func createInstance(vc *vulkanContext, appName string, validation bool) (warnings []string, err error) {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         vk.MakeVersion(1, 1, 0),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("framekit"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, "VK_KHR_portability_enumeration", "VK_KHR_get_physical_device_properties2")
		createInfo.Flags |= 1
	}

	layers := []string{}
	if validation {
		names, err := availableLayers()
		if err != nil {
			return nil, err
		}
		found := false
		for _, n := range names {
			if n == validationLayer {
				found = true
				break
			}
		}
		if found {
			layers = append(layers, validationLayer)
			extensions = append(extensions, vk.ExtDebugReportExtensionName)
		} else {
			warnings = append(warnings, fmt.Sprintf("validation requested but %s is not installed", validationLayer))
		}
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, vc.Allocator, &vc.Instance); res != vk.Success {
		return warnings, resultError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(vc.Instance); err != nil {
		return warnings, fmt.Errorf("vulkan: init instance: %w", err)
	}
	core.LogDebug("Vulkan instance created with layers %v", layers)

	if len(layers) > 0 {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vc.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			warnings = append(warnings, fmt.Sprintf("debug report callback unavailable: %s", err))
		} else {
			vc.debugReport = dbg
		}
	}
	return warnings, nil
}

// selectPhysicalDevice picks the first device with a queue family that does
// graphics and compute, preferring discrete GPUs.
func selectPhysicalDevice(vc *vulkanContext) error {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(vc.Instance, &count, nil); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}
	if count == 0 {
		return errors.New("vulkan: no devices which support Vulkan were found")
	}
	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(vc.Instance, &count, devices); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}

	var chosen *vulkanDevice
	for _, pd := range devices {
		family, ok := queueFamily(pd)
		if !ok {
			continue
		}
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(pd, &props)
		props.Deref()
		candidate := &vulkanDevice{PhysicalDevice: pd, QueueIndex: family, Properties: props}
		if chosen == nil || props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			chosen = candidate
		}
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			break
		}
	}
	if chosen == nil {
		return errors.New("vulkan: no device has a graphics and compute queue")
	}

	vk.GetPhysicalDeviceFeatures(chosen.PhysicalDevice, &chosen.Features)
	chosen.Features.Deref()
	vk.GetPhysicalDeviceMemoryProperties(chosen.PhysicalDevice, &chosen.Memory)
	chosen.Memory.Deref()
	chosen.Limits = chosen.Properties.Limits
	chosen.Limits.Deref()
	vc.Device = chosen

	core.LogInfo("selected device '%s'", cString(chosen.Properties.DeviceName[:]))
	core.LogDebug(
		"Vulkan API version: %d.%d.%d",
		vk.Version.Major(vk.Version(chosen.Properties.ApiVersion)),
		vk.Version.Minor(vk.Version(chosen.Properties.ApiVersion)),
		vk.Version.Patch(vk.Version(chosen.Properties.ApiVersion)),
	)
	return nil
}

func queueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	families := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, families)
	want := vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit)
	for i := range families {
		families[i].Deref()
		if families[i].QueueFlags&want == want {
			return uint32(i), true
		}
	}
	return 0, false
}

func createDevice(vc *vulkanContext) error {
	d := vc.Device
	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.QueueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	features := vk.PhysicalDeviceFeatures{}
	if d.Features.SamplerAnisotropy == vk.True {
		features.SamplerAnisotropy = vk.True
	}

	extensions := []string{}
	if hasDeviceExtension(d.PhysicalDevice, "VK_KHR_portability_subset") {
		extensions = append(extensions, "VK_KHR_portability_subset")
	}

	createInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensions),
	}
	if res := vk.CreateDevice(d.PhysicalDevice, &createInfo, vc.Allocator, &d.LogicalDevice); res != vk.Success {
		return resultError("vkCreateDevice", res)
	}
	vk.GetDeviceQueue(d.LogicalDevice, d.QueueIndex, 0, &d.Queue)

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.QueueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(d.LogicalDevice, &poolInfo, vc.Allocator, &d.CommandPool); res != vk.Success {
		return resultError("vkCreateCommandPool", res)
	}
	core.LogDebug("logical device created on queue family %d", d.QueueIndex)
	return nil
}

func hasDeviceExtension(pd vk.PhysicalDevice, name string) bool {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success || count == 0 {
		return false
	}
	props := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, props); res != vk.Success {
		return false
	}
	for i := range props {
		props[i].Deref()
		if cString(props[i].ExtensionName[:]) == name {
			return true
		}
	}
	return false
}

// destroyDevice releases everything createInstance, selectPhysicalDevice and
// createDevice built, in reverse order. Safe on a partially built context.
func destroyDevice(vc *vulkanContext) {
	if d := vc.Device; d != nil {
		if d.LogicalDevice != nil {
			vk.DeviceWaitIdle(d.LogicalDevice)
			if d.CommandPool != nil {
				vk.DestroyCommandPool(d.LogicalDevice, d.CommandPool, vc.Allocator)
			}
			vk.DestroyDevice(d.LogicalDevice, vc.Allocator)
		}
		vc.Device = nil
	}
	if vc.debugReport != nil {
		vk.DestroyDebugReportCallback(vc.Instance, vc.debugReport, vc.Allocator)
		vc.debugReport = nil
	}
	if vc.Instance != nil {
		vk.DestroyInstance(vc.Instance, vc.Allocator)
		vc.Instance = nil
	}
}
