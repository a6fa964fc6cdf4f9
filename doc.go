// Package qflash drives a NOR flash chip through a quad-SPI controller and
// exposes it as a block device: one block per page, erased in subsectors.
//
// Every read, program and erase runs as a single sequence under the device
// mutex. Within a sequence, each controller transaction is started in
// interrupt mode and the caller sleeps until the controller's IRQ handler
// reports completion; status polling is left to the controller.
//
// # References:
//
// SPI Flash
//   - [N25Q128A]: Micron N25Q128A 3V 128Mb Serial NOR Flash Memory datasheet
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could not find the official public URL)
//
// Controller
//   - [RM0385]: STM32F75xxx and STM32F74xxx reference manual (https://www.st.com/resource/en/reference_manual/rm0385-stm32f75xxx-and-stm32f74xxx-advanced-armbased-32bit-mcus-stmicroelectronics.pdf)
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
package qflash
